package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/engine/backtest"
	"github.com/optbot/gotrader/internal/engine/scorer"
	"github.com/optbot/gotrader/internal/gateway"
	"github.com/optbot/gotrader/internal/storage"
	"github.com/optbot/gotrader/pkg/config"
	"github.com/optbot/gotrader/pkg/logger"
	"github.com/optbot/gotrader/pkg/persistence"
)

// backtest: 命令行回测。策略定义取自配置文件，不需要起引擎。
//
//	backtest -config yml/config.yaml -strategy 0dte-momo -from 2026-08-03 -to 2026-08-21
func main() {
	var (
		configPath = flag.String("config", "yml/config.yaml", "配置文件路径")
		strategyID = flag.String("strategy", "", "策略 ID")
		fromDate   = flag.String("from", "", "起始日期 YYYY-MM-DD")
		toDate     = flag.String("to", "", "结束日期 YYYY-MM-DD")
		summaryOut = flag.Bool("summary", true, "打印汇总 JSON 到 stdout")
	)
	flag.Parse()

	if *strategyID == "" || *fromDate == "" || *toDate == "" {
		flag.Usage()
		os.Exit(2)
	}

	config.SetConfigPath(*configPath)
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	if err := logger.InitDefault(); err != nil {
		logrus.Fatalf("初始化日志失败: %v", err)
	}

	def := findStrategy(cfg, *strategyID)
	if def == nil {
		logrus.Fatalf("配置里没有策略 %q", *strategyID)
	}

	gw := gateway.NewClient(gateway.ClientOptions{
		BaseURL: cfg.Gateway.BaseURL,
		Timeout: time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second,
		DryRun:  true,
	})
	retry := gateway.RetryPolicy{
		MaxRetries: cfg.Gateway.MaxRetries,
		Backoff:    time.Duration(cfg.Gateway.RetryBackoffMS) * time.Millisecond,
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		logrus.Fatalf("打开数据库失败: %v", err)
	}
	defer store.Close()

	replayer := backtest.NewReplayer(backtest.Options{
		Registry:  scorer.NewRegistry(),
		Source:    backtest.NewGatewayDataSource(gw, retry),
		Market:    cfg.Market,
		Store:     store,
		Artifacts: persistence.NewJSONFileService(cfg.Storage.ArtifactDir),
	})

	result, err := replayer.Run(context.Background(), def, *fromDate, *toDate)
	if err != nil {
		logrus.Fatalf("回测失败: %v", err)
	}

	logrus.Infof("回测完成 id=%s trades=%d net=%s winRate=%s%%",
		result.ID, result.Summary.TotalTrades, result.Summary.TotalNetPnL, result.Summary.WinRate)
	if *summaryOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result.Summary)
	}
}

func findStrategy(cfg *config.Config, id string) *domain.StrategyDefinition {
	for i := range cfg.Strategies {
		if cfg.Strategies[i].ID == id {
			return &cfg.Strategies[i]
		}
	}
	return nil
}
