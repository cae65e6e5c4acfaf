package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/backtest"
	"github.com/optbot/gotrader/internal/engine/ledger"
	"github.com/optbot/gotrader/internal/storage"
	"github.com/optbot/gotrader/internal/strategy"
)

var log = logrus.WithField("component", "api")

// InstanceSource 调度引擎的实例快照。
// 实例页优先读引擎内存态，落盘与内存一致但引擎还带着在途信息。
type InstanceSource interface {
	Instances() []domain.StrategyInstance
}

// BalanceSource 券商账户余额查询（资金对账用）
type BalanceSource interface {
	GetAccountBalance(ctx context.Context) (decimal.Decimal, error)
}

// Config API 服务依赖。
// 控制面是引擎服务之上的薄层：不做鉴权（部署在内网），
// 所有业务规则都在引擎里，这里只做参数解析和错误翻译。
type Config struct {
	Strategies *strategy.Service
	Ledger     *ledger.Ledger
	Store      *storage.Store
	Replayer   *backtest.Replayer
	Engine     InstanceSource // 可为空（如离线回测部署），实例页回落仓库查询
	Balance    BalanceSource  // 可为空，资金对账接口返回 503
}

// Server 控制面 API 服务
type Server struct {
	cfg Config
}

// New 创建 API 服务
func New(cfg Config) (*Server, error) {
	if cfg.Strategies == nil || cfg.Ledger == nil || cfg.Store == nil {
		return nil, errors.New("strategies/ledger/store 缺一不可")
	}
	return &Server{cfg: cfg}, nil
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")

	strategies := api.Group("/strategies")
	strategies.GET("", s.handleStrategiesList)
	strategies.GET("/:strategyID", s.handleStrategyGet)
	strategies.POST("/:strategyID/start", s.handleStrategyStart)
	strategies.POST("/:strategyID/stop", s.handleStrategyStop)
	strategies.GET("/:strategyID/instances", s.handleStrategyInstances)

	allocations := api.Group("/allocations")
	allocations.GET("", s.handleAllocationsList)
	allocations.POST("", s.handleAllocationCreate)
	allocations.POST("/sync", s.handleAllocationsSync)
	allocations.PUT("/:allocationID", s.handleAllocationUpdate)
	allocations.DELETE("/:allocationID", s.handleAllocationDelete)

	backtests := api.Group("/backtest")
	backtests.POST("", s.handleBacktestRun)
	backtests.GET("/:backtestID", s.handleBacktestGet)

	api.GET("/signals", s.handleSignalsList)
	api.GET("/trades", s.handleTradesList)

	return r
}

// respondError 错误码翻译：领域错误映射到 HTTP 状态码
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientCapital):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// parseDateRange 解析 from/to 查询参数（YYYY-MM-DD，to 取当日末尾）
func parseDateRange(c *gin.Context) (from, to time.Time, err error) {
	if v := c.Query("from"); v != "" {
		from, err = time.Parse("2006-01-02", v)
		if err != nil {
			return from, to, errors.Wrapf(err, "from %q 非法", v)
		}
	}
	if v := c.Query("to"); v != "" {
		to, err = time.Parse("2006-01-02", v)
		if err != nil {
			return from, to, errors.Wrapf(err, "to %q 非法", v)
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, nil
}

func reqCtx(c *gin.Context) context.Context {
	return c.Request.Context()
}
