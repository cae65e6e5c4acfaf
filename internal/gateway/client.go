package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/optbot/gotrader/internal/domain"
	"github.com/optbot/gotrader/pkg/ratelimit"
	"github.com/optbot/gotrader/pkg/secretstore"
)

var log = logrus.WithField("component", "gateway")

// ClientOptions REST 客户端配置
type ClientOptions struct {
	BaseURL     string
	Timeout     time.Duration
	Credentials *secretstore.Credentials
	DryRun      bool
}

// Client 券商网关 REST 客户端
type Client struct {
	rc      *resty.Client
	limiter *ratelimit.Manager
	dryRun  bool
}

var _ Gateway = (*Client)(nil)

// NewClient 创建网关客户端
func NewClient(opts ClientOptions) *Client {
	base := strings.TrimSuffix(opts.BaseURL, "/")
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时尊重 Retry-After
			if resp.StatusCode() == http.StatusTooManyRequests {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if d, err := time.ParseDuration(ra + "s"); err == nil {
						return d, nil
					}
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})
	if opts.Credentials != nil {
		rc.SetHeader("X-App-Key", opts.Credentials.AppKey).
			SetHeader("Authorization", "Bearer "+opts.Credentials.AccessToken)
		if opts.Credentials.AccountID != "" {
			rc.SetHeader("X-Account-Id", opts.Credentials.AccountID)
		}
	}

	return &Client{
		rc:      rc,
		limiter: ratelimit.NewManager(),
		dryRun:  opts.DryRun,
	}
}

// quoteDTO 行情报文。价格走字符串，空串表示字段缺失。
type quoteDTO struct {
	Symbol    string `json:"symbol"`
	LastDone  string `json:"last_done"`
	PrevClose string `json:"prev_close"`
	BidPrice  string `json:"bid_price"`
	AskPrice  string `json:"ask_price"`
	Volume    int64  `json:"volume"`
	Timestamp int64  `json:"timestamp"`
}

type contractDTO struct {
	Symbol       string `json:"symbol"`
	Underlying   string `json:"underlying"`
	Type         string `json:"type"`
	Strike       string `json:"strike"`
	Expiry       string `json:"expiry"` // YYYY-MM-DD
	LotSize      int    `json:"lot_size"`
	OpenInterest int64  `json:"open_interest"`
	LastDone     string `json:"last_done"`
	BidPrice     string `json:"bid_price"`
	AskPrice     string `json:"ask_price"`
}

type candleDTO struct {
	Timestamp int64  `json:"timestamp"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    int64  `json:"volume"`
}

// GetQuotes 批量获取实时行情
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	if err := c.limiter.Wait(ctx, "quote:get"); err != nil {
		return nil, err
	}
	var out struct {
		Quotes []quoteDTO `json:"quotes"`
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&out).
		Get("/v1/quote")
	if err := classify(resp, err, "get quotes"); err != nil {
		return nil, err
	}

	quotes := make([]domain.Quote, 0, len(out.Quotes))
	for _, q := range out.Quotes {
		quotes = append(quotes, domain.Quote{
			Symbol:    q.Symbol,
			LastDone:  parseOptionalDecimal(q.LastDone),
			PrevClose: parseOptionalDecimal(q.PrevClose),
			BidPrice:  parseOptionalDecimal(q.BidPrice),
			AskPrice:  parseOptionalDecimal(q.AskPrice),
			Volume:    q.Volume,
			Timestamp: time.Unix(q.Timestamp, 0),
		})
	}
	return quotes, nil
}

// GetOptionChain 获取期权链
func (c *Client) GetOptionChain(ctx context.Context, underlying string, expiry time.Time) ([]domain.OptionContract, error) {
	if err := c.limiter.Wait(ctx, "quote:option-chain"); err != nil {
		return nil, err
	}
	var out struct {
		Contracts []contractDTO `json:"contracts"`
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParam("underlying", underlying).
		SetQueryParam("expiry", expiry.Format("2006-01-02")).
		SetResult(&out).
		Get("/v1/option/chain")
	if err := classify(resp, err, "get option chain"); err != nil {
		return nil, err
	}

	contracts := make([]domain.OptionContract, 0, len(out.Contracts))
	for _, dto := range out.Contracts {
		contract, err := dto.toDomain()
		if err != nil {
			log.Warnf("期权链条目解析失败，跳过: symbol=%s err=%v", dto.Symbol, err)
			continue
		}
		contracts = append(contracts, contract)
	}
	return contracts, nil
}

func (dto contractDTO) toDomain() (domain.OptionContract, error) {
	strike, err := decimal.NewFromString(dto.Strike)
	if err != nil {
		return domain.OptionContract{}, errors.Wrapf(err, "strike %q", dto.Strike)
	}
	expiry, err := time.Parse("2006-01-02", dto.Expiry)
	if err != nil {
		return domain.OptionContract{}, errors.Wrapf(err, "expiry %q", dto.Expiry)
	}
	lot := dto.LotSize
	if lot == 0 {
		lot = 100
	}
	return domain.OptionContract{
		Symbol:       dto.Symbol,
		Underlying:   dto.Underlying,
		Type:         domain.OptionType(strings.ToUpper(dto.Type)),
		Strike:       strike,
		Expiry:       expiry,
		LotSize:      lot,
		OpenInterest: dto.OpenInterest,
		LastDone:     parseOptionalDecimal(dto.LastDone),
		BidPrice:     parseOptionalDecimal(dto.BidPrice),
		AskPrice:     parseOptionalDecimal(dto.AskPrice),
	}, nil
}

// ListExpiryDates 标的的可用到期日
func (c *Client) ListExpiryDates(ctx context.Context, underlying string) ([]time.Time, error) {
	if err := c.limiter.Wait(ctx, "quote:option-chain"); err != nil {
		return nil, err
	}
	var out struct {
		Dates []string `json:"dates"`
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParam("underlying", underlying).
		SetResult(&out).
		Get("/v1/option/expiry-dates")
	if err := classify(resp, err, "list expiry dates"); err != nil {
		return nil, err
	}

	dates := make([]time.Time, 0, len(out.Dates))
	for _, s := range out.Dates {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// GetDailyCandles 日线历史
func (c *Client) GetDailyCandles(ctx context.Context, symbol string, days int) ([]domain.Candle, error) {
	return c.getCandles(ctx, symbol, "day", days)
}

// GetIntradayCandles 当日分钟线
func (c *Client) GetIntradayCandles(ctx context.Context, symbol string) ([]domain.Candle, error) {
	return c.getCandles(ctx, symbol, "min1", 0)
}

func (c *Client) getCandles(ctx context.Context, symbol, period string, count int) ([]domain.Candle, error) {
	if err := c.limiter.Wait(ctx, "quote:candles"); err != nil {
		return nil, err
	}
	var out struct {
		Candles []candleDTO `json:"candles"`
	}
	req := c.rc.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("period", period).
		SetResult(&out)
	if count > 0 {
		req.SetQueryParam("count", fmt.Sprint(count))
	}
	resp, err := req.Get("/v1/quote/candles")
	if err := classify(resp, err, "get candles"); err != nil {
		return nil, err
	}

	candles := make([]domain.Candle, 0, len(out.Candles))
	for _, dto := range out.Candles {
		open, err1 := decimal.NewFromString(dto.Open)
		high, err2 := decimal.NewFromString(dto.High)
		low, err3 := decimal.NewFromString(dto.Low)
		cl, err4 := decimal.NewFromString(dto.Close)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		candles = append(candles, domain.Candle{
			Symbol:    symbol,
			Timestamp: time.Unix(dto.Timestamp, 0),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cl,
			Volume:    dto.Volume,
		})
	}
	return candles, nil
}

// SubmitOrder 提交订单。dry-run 模式下不真实下单，直接返回已成交。
func (c *Client) SubmitOrder(ctx context.Context, order *domain.ExecutionOrder) (string, domain.OrderStatus, error) {
	if c.dryRun {
		log.Infof("[dry-run] 模拟下单: %s %s %s@%s", order.Side, order.Symbol,
			order.Quantity, order.Price)
		return "dry-" + order.ID, domain.OrderStatusFilled, nil
	}

	if err := c.limiter.Wait(ctx, "trade:order:post"); err != nil {
		return "", "", err
	}
	body := map[string]string{
		"client_order_id": order.ID,
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		// 数量与价格作为精确十进制字符串传输
		"quantity":      order.Quantity.String(),
		"price":         order.Price.String(),
		"time_in_force": string(order.TIF),
	}
	var out struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/v1/trade/order")
	if err := classify(resp, err, "submit order"); err != nil {
		return "", "", err
	}
	return out.OrderID, mapOrderStatus(out.Status), nil
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if c.dryRun {
		return nil
	}
	if err := c.limiter.Wait(ctx, "trade:order:delete"); err != nil {
		return err
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		Delete("/v1/trade/order/" + brokerOrderID)
	return classify(resp, err, "cancel order")
}

// GetOrderStatus 查询订单状态
func (c *Client) GetOrderStatus(ctx context.Context, brokerOrderID string) (domain.OrderStatus, error) {
	if c.dryRun {
		return domain.OrderStatusFilled, nil
	}
	var out struct {
		Status string `json:"status"`
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/trade/order/" + brokerOrderID)
	if err := classify(resp, err, "get order status"); err != nil {
		return "", err
	}
	return mapOrderStatus(out.Status), nil
}

// FindOrderByClientID 按客户端订单号查询订单
func (c *Client) FindOrderByClientID(ctx context.Context, clientOrderID string) (string, domain.OrderStatus, error) {
	if c.dryRun {
		return "", "", domain.ErrNotFound
	}
	var out struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParam("client_order_id", clientOrderID).
		SetResult(&out).
		Get("/v1/trade/order")
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return "", "", domain.ErrNotFound
	}
	if err := classify(resp, err, "find order by client id"); err != nil {
		return "", "", err
	}
	return out.OrderID, mapOrderStatus(out.Status), nil
}

// GetAccountBalance 账户可用余额
func (c *Client) GetAccountBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx, "trade:balance:get"); err != nil {
		return decimal.Zero, err
	}
	var out struct {
		Balance string `json:"balance"`
	}
	resp, err := c.rc.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/trade/balance")
	if err := classify(resp, err, "get account balance"); err != nil {
		return decimal.Zero, err
	}
	balance, perr := decimal.NewFromString(out.Balance)
	if perr != nil {
		return decimal.Zero, errors.Wrapf(perr, "余额解析失败: %q", out.Balance)
	}
	return balance, nil
}

// classify 把传输层/HTTP 层错误归类：超时、5xx、网络错误 → 瞬时失败
func classify(resp *resty.Response, err error, op string) error {
	if err != nil {
		// 传输层错误（含超时）都按瞬时失败处理
		return errors.Wrapf(domain.ErrGatewayUnavailable, "%s: %v", op, err)
	}
	if resp == nil {
		return errors.Wrapf(domain.ErrGatewayUnavailable, "%s: empty response", op)
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests:
		return errors.Wrapf(domain.ErrGatewayUnavailable, "%s: status %d", op, code)
	default:
		return errors.Errorf("%s: status %d: %s", op, code, resp.String())
	}
}

func mapOrderStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "FILLED", "FILLED_ALL":
		return domain.OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return domain.OrderStatusCanceled
	case "REJECTED":
		return domain.OrderStatusRejected
	case "NEW":
		return domain.OrderStatusNew
	default:
		return domain.OrderStatusSubmitted
	}
}

// parseOptionalDecimal 空串/非法输入返回 nil（字段缺失）
func parseOptionalDecimal(s string) *decimal.Decimal {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}
