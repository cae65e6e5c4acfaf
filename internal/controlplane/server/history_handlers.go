package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/optbot/gotrader/internal/storage"
)

// handleSignalsList 信号历史，支持 strategyId / from / to / limit 过滤。
// SKIP 和 REJECTED 也在里面：无动作的排查入口就是这个接口。
func (s *Server) handleSignalsList(c *gin.Context) {
	from, to, err := parseDateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f := storage.SignalFilter{
		StrategyID: c.Query("strategyId"),
		From:       from,
		To:         to,
		Limit:      parseLimit(c),
	}
	signals, err := s.cfg.Store.ListSignals(reqCtx(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *Server) handleTradesList(c *gin.Context) {
	from, to, err := parseDateRange(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f := storage.TradeFilter{
		StrategyID: c.Query("strategyId"),
		From:       from,
		To:         to,
		Limit:      parseLimit(c),
	}
	trades, err := s.cfg.Store.ListTrades(reqCtx(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func parseLimit(c *gin.Context) int {
	v := c.Query("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
