package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/optbot/gotrader/internal/domain"
)

func (s *Server) handleStrategiesList(c *gin.Context) {
	defs, err := s.cfg.Strategies.List(reqCtx(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": defs})
}

func (s *Server) handleStrategyGet(c *gin.Context) {
	def, err := s.cfg.Strategies.Get(reqCtx(c), c.Param("strategyID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) handleStrategyStart(c *gin.Context) {
	id := c.Param("strategyID")
	if err := s.cfg.Strategies.Start(reqCtx(c), id); err != nil {
		respondError(c, err)
		return
	}
	log.Infof("[API] 启动策略 id=%s", id)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": domain.StrategyStatusRunning})
}

func (s *Server) handleStrategyStop(c *gin.Context) {
	id := c.Param("strategyID")
	if err := s.cfg.Strategies.Stop(reqCtx(c), id); err != nil {
		respondError(c, err)
		return
	}
	log.Infof("[API] 停止策略 id=%s（持仓继续管理到退出）", id)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": domain.StrategyStatusStopped})
}

// handleStrategyInstances 策略的全部实例（含空闲的），用于观察状态机。
// 引擎在线时读内存快照，否则回落仓库。
func (s *Server) handleStrategyInstances(c *gin.Context) {
	id := c.Param("strategyID")
	if _, err := s.cfg.Strategies.Get(reqCtx(c), id); err != nil {
		respondError(c, err)
		return
	}

	var all []domain.StrategyInstance
	if s.cfg.Engine != nil {
		all = s.cfg.Engine.Instances()
	} else {
		rows, err := s.cfg.Store.ListInstances(reqCtx(c))
		if err != nil {
			respondError(c, err)
			return
		}
		for _, inst := range rows {
			all = append(all, *inst)
		}
	}

	out := make([]domain.StrategyInstance, 0, len(all))
	for _, inst := range all {
		if inst.StrategyID == id {
			out = append(out, inst)
		}
	}
	c.JSON(http.StatusOK, gin.H{"instances": out})
}
