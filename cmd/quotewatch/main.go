package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/internal/gateway"
	"github.com/optbot/gotrader/pkg/logger"
)

// quotewatch: 订阅行情推送并打印，联调 WebSocket 链路用。
//
//	quotewatch -ws-url wss://gw.example.com/v1/quote/ws AAPL TSLA
func main() {
	wsURL := flag.String("ws-url", os.Getenv("GATEWAY_QUOTE_WS_URL"), "行情推送 WebSocket 地址")
	flag.Parse()

	if *wsURL == "" {
		fmt.Fprintln(os.Stderr, "缺少 -ws-url（或环境变量 GATEWAY_QUOTE_WS_URL）")
		os.Exit(2)
	}
	symbols := flag.Args()
	if len(symbols) == 0 {
		fmt.Fprintln(os.Stderr, "至少指定一个标的代码")
		os.Exit(2)
	}

	if err := logger.InitDefault(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	stream := gateway.NewQuoteStream(*wsURL)
	stream.OnQuote(func(q domain.Quote) {
		last := "-"
		if q.LastDone != nil {
			last = q.LastDone.String()
		}
		bid, ask := "-", "-"
		if q.BidPrice != nil {
			bid = q.BidPrice.String()
		}
		if q.AskPrice != nil {
			ask = q.AskPrice.String()
		}
		logger.Infof("%s last=%s bid=%s ask=%s vol=%d", q.Symbol, last, bid, ask, q.Volume)
	})
	if err := stream.Subscribe(symbols); err != nil {
		logger.Errorf("订阅失败: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := stream.Connect(ctx); err != nil {
		logger.Errorf("连接失败: %v", err)
		os.Exit(1)
	}
	logger.Infof("已连接 %s，订阅 %v", *wsURL, symbols)

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	<-sigC
	cancel()
	_ = stream.Close()
}
