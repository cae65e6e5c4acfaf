package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/controlplane/server"
	"github.com/optbot/gotrader/internal/engine/backtest"
	"github.com/optbot/gotrader/internal/engine/execution"
	"github.com/optbot/gotrader/internal/engine/ledger"
	"github.com/optbot/gotrader/internal/engine/scheduler"
	"github.com/optbot/gotrader/internal/engine/scorer"
	"github.com/optbot/gotrader/internal/gateway"
	"github.com/optbot/gotrader/internal/metrics"
	"github.com/optbot/gotrader/internal/storage"
	"github.com/optbot/gotrader/internal/strategy"
	"github.com/optbot/gotrader/pkg/cache"
	"github.com/optbot/gotrader/pkg/config"
	"github.com/optbot/gotrader/pkg/logger"
	"github.com/optbot/gotrader/pkg/persistence"
	"github.com/optbot/gotrader/pkg/secretstore"
	"github.com/optbot/gotrader/pkg/shutdown"
)

func main() {
	var (
		configPath = flag.String("config", "yml/config.yaml", "配置文件路径")
		envFile    = flag.String("env", ".env", ".env 文件路径（可选）")
	)
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		logrus.Warnf("加载 %s 失败: %v", *envFile, err)
	}

	config.SetConfigPath(*configPath)
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		LogByDay:   cfg.Log.LogByDay,
	}); err != nil {
		logrus.Fatalf("初始化日志失败: %v", err)
	}
	logger.StartRotationChecker()

	creds := loadCredentials(cfg)
	gw := gateway.NewClient(gateway.ClientOptions{
		BaseURL:     cfg.Gateway.BaseURL,
		Timeout:     time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
		Credentials: creds,
		DryRun:      cfg.Gateway.DryRun,
	})
	retry := gateway.RetryPolicy{
		MaxRetries: cfg.Gateway.MaxRetries,
		Backoff:    time.Duration(cfg.Gateway.RetryBackoffMS) * time.Millisecond,
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logrus.Fatalf("打开数据库失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	led := ledger.New(totalCapital(ctx, cfg, gw), store)
	persisted, err := store.ListAllocations(ctx)
	if err != nil {
		logrus.Fatalf("读取分配节点失败: %v", err)
	}
	// 先恢复落库节点（含 usage），再补配置新增的节点
	if err := led.Bootstrap(ctx, persisted); err != nil {
		logrus.Fatalf("恢复资金台账失败: %v", err)
	}
	if err := led.Bootstrap(ctx, cfg.Allocations); err != nil {
		logrus.Fatalf("初始化资金分配失败: %v", err)
	}

	strategies := strategy.NewService(store)
	if err := strategies.SeedFromConfig(ctx, cfg.Strategies); err != nil {
		logrus.Fatalf("同步策略配置失败: %v", err)
	}

	registry := scorer.NewRegistry()
	resolver := execution.NewPriceResolver(cache.NewOptionPriceCache(
		time.Duration(cfg.Scheduler.OptionCacheSeconds) * time.Second))

	watchlist := storage.WatchlistRepo{Store: store}
	tracker := scheduler.NewCorrelationTracker(cfg.Correlation, gw, retry, func() []string {
		return runningSymbols(ctx, strategies, watchlist)
	})
	tracker.Start(ctx)

	engine := scheduler.NewEngine(scheduler.Options{
		Scheduler:   cfg.Scheduler,
		Market:      cfg.Market,
		Registry:    registry,
		Gateway:     gw,
		Ledger:      led,
		Resolver:    resolver,
		Retry:       retry,
		Instances:   storage.InstanceRepo{Store: store},
		Signals:     storage.SignalRepo{Store: store},
		Trades:      storage.TradeRepo{Store: store},
		Strategies:  strategies,
		Groups:      tracker,
		Rules:       watchlist,
		IndexSymbol: cfg.Market.IndexSymbol,
	})
	if err := engine.Start(ctx); err != nil {
		logrus.Fatalf("启动调度引擎失败: %v", err)
	}

	if cfg.API.DebugListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.API.DebugListen); err != nil {
			logrus.Warnf("调试端口启动失败: %v", err)
		} else {
			logrus.Infof("调试端口（expvar/pprof）监听 %s", cfg.API.DebugListen)
		}
	}

	var httpServer *http.Server
	if cfg.API.Enabled {
		replayer := backtest.NewReplayer(backtest.Options{
			Registry:  registry,
			Source:    backtest.NewGatewayDataSource(gw, retry),
			Market:    cfg.Market,
			Store:     store,
			Artifacts: persistence.NewJSONFileService(cfg.Storage.ArtifactDir),
		})
		api, err := server.New(server.Config{
			Strategies: strategies,
			Ledger:     led,
			Store:      store,
			Replayer:   replayer,
			Engine:     engine,
			Balance:    gw,
		})
		if err != nil {
			logrus.Fatalf("创建 API 服务失败: %v", err)
		}
		httpServer = &http.Server{Addr: cfg.API.Listen, Handler: api.Router()}
		go func() {
			logrus.Infof("控制面 API 监听 %s", cfg.API.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logrus.Errorf("API 服务退出: %v", err)
			}
		}()
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(sctx context.Context, wg *sync.WaitGroup) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if httpServer != nil {
				_ = httpServer.Shutdown(sctx)
			}
		}()
	})
	mgr.OnShutdown(func(sctx context.Context, wg *sync.WaitGroup) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 拦截新入场，等在途退出完成
			engine.Stop(time.Duration(cfg.Scheduler.StopTimeoutSeconds) * time.Second)
			tracker.Stop()
		}()
	})
	mgr.OnShutdown(func(sctx context.Context, wg *sync.WaitGroup) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Close(); err != nil {
				logrus.Errorf("关闭数据库失败: %v", err)
			}
		}()
	})

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	sig := <-sigC
	logrus.Infof("收到信号 %s，开始优雅关闭", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	logrus.Info("已退出")
}

// loadCredentials 从凭据库读取网关凭据。
// dry-run 模式允许无凭据启动（本地联调、回测）。
func loadCredentials(cfg *config.Config) *secretstore.Credentials {
	key, err := secretstore.ParseKey(os.Getenv(cfg.SecretStore.KeyEnv))
	if err != nil {
		logrus.Fatalf("解析凭据库密钥失败: %v", err)
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          cfg.SecretStore.Path,
		EncryptionKey: key,
		ReadOnly:      true,
	})
	if err != nil {
		if cfg.Gateway.DryRun {
			logrus.Warnf("凭据库不可用（dry-run 继续）: %v", err)
			return nil
		}
		logrus.Fatalf("打开凭据库失败: %v", err)
	}
	defer ss.Close()

	creds, err := ss.LoadCredentials()
	if err != nil {
		if cfg.Gateway.DryRun {
			logrus.Warnf("凭据不完整（dry-run 继续）: %v", err)
			return nil
		}
		logrus.Fatalf("读取网关凭据失败: %v", err)
	}
	return creds
}

// totalCapital 总资金：配置优先，否则取券商余额
func totalCapital(ctx context.Context, cfg *config.Config, gw gateway.Gateway) decimal.Decimal {
	if cfg.Capital.Total != "" {
		total, err := decimal.NewFromString(cfg.Capital.Total)
		if err != nil {
			logrus.Fatalf("capital.total %q 非法: %v", cfg.Capital.Total, err)
		}
		return total
	}
	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	balance, err := gw.GetAccountBalance(callCtx)
	if err != nil {
		logrus.Fatalf("查询券商余额失败（或在配置里指定 capital.total）: %v", err)
	}
	return balance
}

// runningSymbols 运行中策略的标的全集（静态池 + 动态规则解析），相关性跟踪用
func runningSymbols(ctx context.Context, svc *strategy.Service, rules storage.WatchlistRepo) []string {
	defs, err := svc.Running(ctx)
	if err != nil {
		logrus.Errorf("查询运行中策略失败: %v", err)
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(symbols []string) {
		for _, s := range symbols {
			if s != "" && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	for _, def := range defs {
		add(def.Symbols)
		if def.SymbolRule != "" {
			resolved, err := rules.Resolve(ctx, def.SymbolRule)
			if err != nil {
				logrus.Errorf("解析选股规则 %q 失败: %v", def.SymbolRule, err)
				continue
			}
			add(resolved)
		}
	}
	return out
}
