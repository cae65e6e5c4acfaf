package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/optbot/gotrader/internal/domain"
)

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	LogByDay   bool   `yaml:"log_by_day"`
}

// GatewayConfig 券商/行情网关配置
type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	QuoteWSURL     string `yaml:"quote_ws_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"` // 单次网关调用超时
	MaxRetries     int    `yaml:"max_retries"`     // 瞬时失败重试次数
	RetryBackoffMS int    `yaml:"retry_backoff_ms"`
	DryRun         bool   `yaml:"dry_run"` // 纸交易模式：不真实下单
}

// SecretStoreConfig 凭据库配置
type SecretStoreConfig struct {
	Path   string `yaml:"path"`
	KeyEnv string `yaml:"key_env"` // 存放加密 key 的环境变量名
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`      // 评估周期
	WorkerPoolSize      int `yaml:"worker_pool_size"`      // 评估任务并发度
	OptionCacheSeconds  int `yaml:"option_cache_seconds"`  // 期权价格缓存时长（默认=一个周期）
	StopTimeoutSeconds  int `yaml:"stop_timeout_seconds"`  // 停止时等待在途任务的超时
	ResultChannelBuffer int `yaml:"result_channel_buffer"` // worker→ledger consumer 的结果队列长度
	LedgerSyncMinutes   int `yaml:"ledger_sync_minutes"`   // 资金台账与券商余额对账周期
}

// Interval 评估周期时长
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// LedgerSyncInterval 资金对账周期（缺省一小时）
func (c SchedulerConfig) LedgerSyncInterval() time.Duration {
	if c.LedgerSyncMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.LedgerSyncMinutes) * time.Minute
}

// MarketConfig 交易时段配置
type MarketConfig struct {
	Timezone    string `yaml:"timezone"`     // 如 "America/New_York"
	OpenTime    string `yaml:"open_time"`    // "09:30"
	CloseTime   string `yaml:"close_time"`   // "16:00"
	IndexSymbol string `yaml:"index_symbol"` // 市场状态评分参考的大盘指数，可为空
}

// CapitalConfig 资金配置
type CapitalConfig struct {
	Total string `yaml:"total"` // 总资金（十进制字符串）；为空则启动时取券商余额
}

// CorrelationConfig 相关性过滤配置
type CorrelationConfig struct {
	Threshold      float64 `yaml:"threshold"`       // |corr| 合并阈值
	WindowDays     int     `yaml:"window_days"`     // 回看窗口
	RefreshMinutes int     `yaml:"refresh_minutes"` // 分组重算间隔
}

// AllocationConfig 资金分配节点配置
type AllocationConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Parent string `yaml:"parent"`
	Type   string `yaml:"type"`  // PERCENTAGE / FIXED_AMOUNT
	Value  string `yaml:"value"` // 字符串形式的十进制数
}

// ParamsConfig 策略参数配置。
// 金额/评分类字段用字符串书写，加载时转为精确十进制。
type ParamsConfig struct {
	EntryThreshold string `yaml:"entry_threshold"`
	Weights        struct {
		Market   string `yaml:"market"`
		Intraday string `yaml:"intraday"`
	} `yaml:"weights"`
	DirectionMode  string `yaml:"direction_mode"`
	ExpirationMode string `yaml:"expiration_mode"`
	Sizing         string `yaml:"sizing"`
	FixedContracts int    `yaml:"fixed_contracts"`
	MaxPremium     string `yaml:"max_premium"`
	EntryPriceMode string `yaml:"entry_price_mode"`
	Liquidity      struct {
		MinOpenInterest int64  `yaml:"min_open_interest"`
		MaxSpreadRatio  string `yaml:"max_spread_ratio"`
	} `yaml:"liquidity"`
	Window struct {
		NoNewEntryBeforeCloseMinutes int `yaml:"no_new_entry_before_close_minutes"`
		ForceCloseBeforeCloseMinutes int `yaml:"force_close_before_close_minutes"`
	} `yaml:"window"`
	Exit struct {
		StopLossPercent     string `yaml:"stop_loss_percent"`
		TakeProfitPercent   string `yaml:"take_profit_percent"`
		TrailingDrawdownPct string `yaml:"trailing_drawdown_pct"`
		TrailingActivatePct string `yaml:"trailing_activate_pct"`
		MaxHoldingMinutes   int    `yaml:"max_holding_minutes"`
	} `yaml:"exit"`
	Fees struct {
		PerContract string `yaml:"per_contract"`
		PerOrder    string `yaml:"per_order"`
	} `yaml:"fees"`
	LegCount      int    `yaml:"leg_count"`
	StrikeSpacing string `yaml:"strike_spacing"`
}

// StrategyFileConfig 策略定义配置
type StrategyFileConfig struct {
	ID         string       `yaml:"id"`
	Name       string       `yaml:"name"`
	Type       string       `yaml:"type"`
	Symbols    []string     `yaml:"symbols"`
	SymbolRule string       `yaml:"symbol_rule"`
	Allocation string       `yaml:"allocation"`
	AutoStart  bool         `yaml:"auto_start"`
	Params     ParamsConfig `yaml:"params"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	DBPath      string `yaml:"db_path"`
	ArtifactDir string `yaml:"artifact_dir"` // 回测结果 artifact 目录
}

// APIConfig 控制面 API 配置
type APIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	DebugListen string `yaml:"debug_listen"` // expvar/pprof 调试端口，为空不启用
}

// ConfigFile 配置文件结构（YAML 解析）
type ConfigFile struct {
	Log         LogConfig            `yaml:"log"`
	Gateway     GatewayConfig        `yaml:"gateway"`
	SecretStore SecretStoreConfig    `yaml:"secret_store"`
	Scheduler   SchedulerConfig      `yaml:"scheduler"`
	Market      MarketConfig         `yaml:"market"`
	Correlation CorrelationConfig    `yaml:"correlation"`
	Capital     CapitalConfig        `yaml:"capital"`
	Storage     StorageConfig        `yaml:"storage"`
	API         APIConfig            `yaml:"api"`
	Allocations []AllocationConfig   `yaml:"allocations"`
	Strategies  []StrategyFileConfig `yaml:"strategies"`
}

// Config 应用配置（已校验、已填默认值）
type Config struct {
	Log         LogConfig
	Gateway     GatewayConfig
	SecretStore SecretStoreConfig
	Scheduler   SchedulerConfig
	Market      MarketConfig
	Correlation CorrelationConfig
	Capital     CapitalConfig
	Storage     StorageConfig
	API         APIConfig
	Allocations []domain.CapitalAllocation
	Strategies  []domain.StrategyDefinition
}

var globalConfig *Config
var configFilePath string

// SetConfigPath 设置配置文件路径
func SetConfigPath(path string) {
	configFilePath = path
	globalConfig = nil
}

// Load 加载配置（缓存）
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg, err := LoadFromFile(configFilePath)
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, fmt.Errorf("配置文件路径为空")
	}
	b, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
	}
	var cf ConfigFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return nil, fmt.Errorf("解析配置文件失败 %s: %w", filePath, err)
	}
	return buildConfig(&cf)
}

// buildConfig 填默认值、做校验、转换为领域类型
func buildConfig(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		Log:         cf.Log,
		Gateway:     cf.Gateway,
		SecretStore: cf.SecretStore,
		Scheduler:   cf.Scheduler,
		Market:      cf.Market,
		Correlation: cf.Correlation,
		Capital:     cf.Capital,
		Storage:     cf.Storage,
		API:         cf.API,
	}

	applyDefaults(cfg)

	if cfg.Gateway.BaseURL == "" {
		cfg.Gateway.BaseURL = os.Getenv("GATEWAY_BASE_URL")
	}
	if cfg.Gateway.BaseURL == "" {
		return nil, fmt.Errorf("gateway.base_url 未配置")
	}

	allocations, err := buildAllocations(cf.Allocations)
	if err != nil {
		return nil, err
	}
	cfg.Allocations = allocations

	strategies, err := buildStrategies(cf.Strategies)
	if err != nil {
		return nil, err
	}
	cfg.Strategies = strategies

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = envOr("LOG_LEVEL", "info")
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 7
	}
	if cfg.Gateway.TimeoutSeconds == 0 {
		cfg.Gateway.TimeoutSeconds = 10
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.RetryBackoffMS == 0 {
		cfg.Gateway.RetryBackoffMS = 500
	}
	if cfg.Scheduler.IntervalSeconds == 0 {
		cfg.Scheduler.IntervalSeconds = 30
	}
	if cfg.Scheduler.WorkerPoolSize == 0 {
		cfg.Scheduler.WorkerPoolSize = 4
	}
	if cfg.Scheduler.OptionCacheSeconds == 0 {
		cfg.Scheduler.OptionCacheSeconds = cfg.Scheduler.IntervalSeconds
	}
	if cfg.Scheduler.StopTimeoutSeconds == 0 {
		cfg.Scheduler.StopTimeoutSeconds = 30
	}
	if cfg.Scheduler.ResultChannelBuffer == 0 {
		cfg.Scheduler.ResultChannelBuffer = 64
	}
	if cfg.Market.Timezone == "" {
		cfg.Market.Timezone = "America/New_York"
	}
	if cfg.Market.OpenTime == "" {
		cfg.Market.OpenTime = "09:30"
	}
	if cfg.Market.CloseTime == "" {
		cfg.Market.CloseTime = "16:00"
	}
	if cfg.Correlation.Threshold == 0 {
		cfg.Correlation.Threshold = 0.75
	}
	if cfg.Correlation.WindowDays == 0 {
		cfg.Correlation.WindowDays = 60
	}
	if cfg.Correlation.RefreshMinutes == 0 {
		cfg.Correlation.RefreshMinutes = 60
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = envOr("DB_PATH", "data/engine.db")
	}
	if cfg.Storage.ArtifactDir == "" {
		cfg.Storage.ArtifactDir = "data/backtests"
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.SecretStore.Path == "" {
		cfg.SecretStore.Path = "data/secrets"
	}
	if cfg.SecretStore.KeyEnv == "" {
		cfg.SecretStore.KeyEnv = "SECRETSTORE_KEY"
	}
}

func buildAllocations(in []AllocationConfig) ([]domain.CapitalAllocation, error) {
	out := make([]domain.CapitalAllocation, 0, len(in))
	now := time.Now()
	for _, a := range in {
		if a.ID == "" {
			return nil, fmt.Errorf("allocation 缺少 id")
		}
		typ := domain.AllocationType(strings.ToUpper(a.Type))
		if typ != domain.AllocationTypePercentage && typ != domain.AllocationTypeFixedAmount {
			return nil, fmt.Errorf("allocation %s 的类型非法: %q", a.ID, a.Type)
		}
		value, err := decimal.NewFromString(a.Value)
		if err != nil {
			return nil, fmt.Errorf("allocation %s 的 value 非法: %q", a.ID, a.Value)
		}
		if value.IsNegative() {
			return nil, fmt.Errorf("allocation %s 的 value 不能为负", a.ID)
		}
		out = append(out, domain.CapitalAllocation{
			ID:        a.ID,
			Name:      a.Name,
			ParentID:  a.Parent,
			Type:      typ,
			Value:     value,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return out, nil
}

func buildStrategies(in []StrategyFileConfig) ([]domain.StrategyDefinition, error) {
	out := make([]domain.StrategyDefinition, 0, len(in))
	now := time.Now()
	for _, s := range in {
		if s.ID == "" {
			return nil, fmt.Errorf("strategy 缺少 id")
		}
		typ := domain.StrategyType(s.Type)
		if !typ.Valid() {
			return nil, fmt.Errorf("strategy %s 的类型非法: %q", s.ID, s.Type)
		}
		if len(s.Symbols) == 0 && s.SymbolRule == "" {
			return nil, fmt.Errorf("strategy %s 既没有静态符号池也没有选择规则", s.ID)
		}
		if s.Allocation == "" {
			return nil, fmt.Errorf("strategy %s 缺少 allocation 引用", s.ID)
		}
		status := domain.StrategyStatusStopped
		if s.AutoStart {
			status = domain.StrategyStatusRunning
		}
		params, err := buildParams(s.ID, s.Params)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.StrategyDefinition{
			ID:           s.ID,
			Name:         s.Name,
			Type:         typ,
			Symbols:      s.Symbols,
			SymbolRule:   s.SymbolRule,
			AllocationID: s.Allocation,
			Status:       status,
			Params:       params,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return out, nil
}

// buildParams 把配置文件里的字符串参数转为精确十进制的策略参数
func buildParams(strategyID string, p ParamsConfig) (domain.StrategyParams, error) {
	var out domain.StrategyParams
	var err error

	dec := func(field, raw, def string) decimal.Decimal {
		if err != nil {
			return decimal.Zero
		}
		if raw == "" {
			raw = def
		}
		var d decimal.Decimal
		d, err = decimal.NewFromString(raw)
		if err != nil {
			err = fmt.Errorf("strategy %s 参数 %s 非法: %q", strategyID, field, raw)
		}
		return d
	}

	out.EntryThreshold = dec("entry_threshold", p.EntryThreshold, "0")
	out.Weights.Market = dec("weights.market", p.Weights.Market, "0.2")
	out.Weights.Intraday = dec("weights.intraday", p.Weights.Intraday, "0.6")
	out.MaxPremium = dec("max_premium", p.MaxPremium, "0")
	out.Liquidity.MaxSpreadRatio = dec("liquidity.max_spread_ratio", p.Liquidity.MaxSpreadRatio, "0")
	out.Exit.StopLossPercent = dec("exit.stop_loss_percent", p.Exit.StopLossPercent, "30")
	out.Exit.TakeProfitPercent = dec("exit.take_profit_percent", p.Exit.TakeProfitPercent, "50")
	out.Exit.TrailingDrawdownPct = dec("exit.trailing_drawdown_pct", p.Exit.TrailingDrawdownPct, "0")
	out.Exit.TrailingActivatePct = dec("exit.trailing_activate_pct", p.Exit.TrailingActivatePct, "0")
	out.Fees.PerContract = dec("fees.per_contract", p.Fees.PerContract, "0")
	out.Fees.PerOrder = dec("fees.per_order", p.Fees.PerOrder, "0")
	out.StrikeSpacing = dec("strike_spacing", p.StrikeSpacing, "0")
	if err != nil {
		return out, err
	}

	out.DirectionMode = domain.DirectionMode(defStr(p.DirectionMode, string(domain.DirectionModeFollowSignal)))
	out.ExpirationMode = domain.ExpirationMode(defStr(p.ExpirationMode, string(domain.ExpirationModeNearest)))
	out.Sizing = domain.PositionSizing(defStr(p.Sizing, string(domain.SizingFixedContracts)))
	out.EntryPriceMode = domain.EntryPriceMode(defStr(p.EntryPriceMode, string(domain.EntryPriceModeMid)))
	out.FixedContracts = p.FixedContracts
	if out.FixedContracts == 0 {
		out.FixedContracts = 1
	}
	out.Liquidity.MinOpenInterest = p.Liquidity.MinOpenInterest
	out.Window.NoNewEntryBeforeCloseMinutes = p.Window.NoNewEntryBeforeCloseMinutes
	out.Window.ForceCloseBeforeCloseMinutes = p.Window.ForceCloseBeforeCloseMinutes
	out.Exit.MaxHoldingMinutes = p.Exit.MaxHoldingMinutes
	out.LegCount = p.LegCount
	return out, nil
}

func defStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ParseIntEnv 解析整数环境变量（非法值返回默认值）
func ParseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
