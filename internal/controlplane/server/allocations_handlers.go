package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/optbot/gotrader/internal/domain"
)

// allocationRequest 分配节点创建/修改请求。金额走字符串十进制。
type allocationRequest struct {
	ID       string `json:"id" binding:"required"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
	Type     string `json:"type" binding:"required"`
	Value    string `json:"value" binding:"required"`
}

type allocationView struct {
	domain.CapitalAllocation
	Headroom decimal.Decimal `json:"headroom"`
}

func (s *Server) handleAllocationsList(c *gin.Context) {
	nodes := s.cfg.Ledger.List()
	out := make([]allocationView, 0, len(nodes))
	for _, n := range nodes {
		headroom, err := s.cfg.Ledger.AvailableHeadroom(n.ID)
		if err != nil {
			headroom = decimal.Zero
		}
		out = append(out, allocationView{CapitalAllocation: n, Headroom: headroom})
	}
	c.JSON(http.StatusOK, gin.H{"allocations": out})
}

func (s *Server) handleAllocationCreate(c *gin.Context) {
	var req allocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	typ, value, err := parseAllocation(req.Type, req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	node, err := s.cfg.Ledger.Allocate(reqCtx(c), req.ParentID, req.ID, req.Name, typ, value)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	log.Infof("[API] 新建分配节点 id=%s type=%s value=%s", node.ID, node.Type, node.Value)
	c.JSON(http.StatusCreated, node)
}

func (s *Server) handleAllocationUpdate(c *gin.Context) {
	var req allocationRequest
	req.ID = c.Param("allocationID")
	var body struct {
		Type  string `json:"type" binding:"required"`
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	typ, value, err := parseAllocation(body.Type, body.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Ledger.Update(reqCtx(c), req.ID, typ, value); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAllocationDelete(c *gin.Context) {
	id := c.Param("allocationID")
	if err := s.cfg.Ledger.Remove(reqCtx(c), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	log.Infof("[API] 删除分配节点 id=%s", id)
	c.Status(http.StatusNoContent)
}

// handleAllocationsSync 按券商实际余额对账，返回差异清单。
// 只上报不纠正，差异由人工复核后通过分配接口修正。
func (s *Server) handleAllocationsSync(c *gin.Context) {
	if s.cfg.Balance == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "未接入券商网关，无法资金对账"})
		return
	}
	balance, err := s.cfg.Balance.GetAccountBalance(reqCtx(c))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "取券商余额失败: " + err.Error()})
		return
	}
	discrepancies := s.cfg.Ledger.SyncWithBroker(balance)
	if discrepancies == nil {
		discrepancies = []domain.AllocationDiscrepancy{}
	}
	log.Infof("[API] 资金对账: 余额=%s 差异=%d", balance, len(discrepancies))
	c.JSON(http.StatusOK, gin.H{
		"broker_balance": balance,
		"discrepancies":  discrepancies,
	})
}

func parseAllocation(typ, value string) (domain.AllocationType, decimal.Decimal, error) {
	t := domain.AllocationType(typ)
	if t != domain.AllocationTypePercentage && t != domain.AllocationTypeFixedAmount {
		return "", decimal.Zero, errors.Errorf("非法分配类型 %q", typ)
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return "", decimal.Zero, errors.Wrapf(err, "分配值 %q 非法", value)
	}
	return t, v, nil
}
