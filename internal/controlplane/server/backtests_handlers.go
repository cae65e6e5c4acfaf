package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// backtestRequest 回测请求
type backtestRequest struct {
	StrategyID string `json:"strategy_id" binding:"required"`
	StartDate  string `json:"start_date" binding:"required"` // YYYY-MM-DD
	EndDate    string `json:"end_date" binding:"required"`
}

// handleBacktestRun 异步跑回测：立即返回运行中的 ID，结果随后查询。
// 回放器自己会把起始行和终态行落库。
func (s *Server) handleBacktestRun(c *gin.Context) {
	if s.cfg.Replayer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "回测服务未启用"})
		return
	}
	var req backtestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, err := s.cfg.Strategies.Get(reqCtx(c), req.StrategyID)
	if err != nil {
		respondError(c, err)
		return
	}

	// 先同步校验日期，坏参数不值得起 goroutine
	if _, err := time.Parse("2006-01-02", req.StartDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := time.Parse("2006-01-02", req.EndDate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := s.cfg.Replayer.RunWithID(ctx, def, id, req.StartDate, req.EndDate); err != nil {
			log.Errorf("[API] 回测失败 id=%s strategy=%s: %v", id, req.StrategyID, err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "RUNNING"})
}

func (s *Server) handleBacktestGet(c *gin.Context) {
	result, err := s.cfg.Store.GetBacktest(reqCtx(c), c.Param("backtestID"))
	if err != nil {
		respondError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "backtest not found"})
		return
	}
	c.JSON(http.StatusOK, result)
}
