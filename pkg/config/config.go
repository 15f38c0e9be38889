package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Log 日志配置
type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Exchange 交易所连接配置
type Exchange struct {
	ClobURL          string   `yaml:"clob_url"`
	UserWSURL        string   `yaml:"user_ws_url"`
	MarketWSURL      string   `yaml:"market_ws_url"`
	APIKey           string   `yaml:"api_key"`
	APISecret        string   `yaml:"api_secret"`
	APIPassphrase    string   `yaml:"api_passphrase"`
	PrivateKey       string   `yaml:"private_key"`    // EIP-712 订单签名私钥（建议用环境变量）
	FunderAddress    string   `yaml:"funder_address"` // 代理钱包地址，为空时等于签名地址
	SignatureType    int      `yaml:"signature_type"` // 0=EOA 1=Magic/Email 2=Browser proxy
	ChainID          int64    `yaml:"chain_id"`
	NegRisk          bool     `yaml:"neg_risk"`
	RequestTimeout   Duration `yaml:"request_timeout"`
	NetworkRetries   int      `yaml:"network_retries"`
	RateLimitRetries int      `yaml:"rate_limit_retries"`
	EnableUserStream bool     `yaml:"enable_user_stream"`
	EnableBookStream bool     `yaml:"enable_book_stream"`
}

// Execution 执行器配置（订单状态机）
type Execution struct {
	FillPoll             Duration `yaml:"fill_poll"`
	FillTimeout          Duration `yaml:"fill_timeout"`
	MakerFillTimeout     Duration `yaml:"maker_fill_timeout"`
	MakerMinSpread       float64  `yaml:"maker_min_spread"`
	MakerMinTimeToExpiry Duration `yaml:"maker_min_time_to_expiry"`
	MaxReprices          int      `yaml:"max_reprices"`
	RepriceStep          float64  `yaml:"reprice_step"`
	MaxHold              Duration `yaml:"max_hold"`
	SafetyBuffer         Duration `yaml:"safety_buffer"`
	SafetyPoll           Duration `yaml:"safety_poll"`
	BookStaleAfter       Duration `yaml:"book_stale_after"`
	ProfitTarget         float64  `yaml:"profit_target"`
	StopLoss             float64  `yaml:"stop_loss"`
	EdgeCollapseBand     float64  `yaml:"edge_collapse_band"`
	HistoryLimit         int      `yaml:"history_limit"`
	MinOrderSize         float64  `yaml:"min_order_size"`
}

// Risk 风控账本配置
type Risk struct {
	InitialBankroll      float64  `yaml:"initial_bankroll"`
	Cooldown             Duration `yaml:"cooldown"`
	MaxOpenPositions     int      `yaml:"max_open_positions"`
	MinBankroll          float64  `yaml:"min_bankroll"`
	DailyLossLimit       float64  `yaml:"daily_loss_limit"`
	MaxDrawdown          float64  `yaml:"max_drawdown"`
	Slippage             float64  `yaml:"slippage"`
	FeeRate              float64  `yaml:"fee_rate"`
	FeeExponent          float64  `yaml:"fee_exponent"`
	MinFillProbability   float64  `yaml:"min_fill_probability"`
	LiquidityFraction    float64  `yaml:"liquidity_fraction"`
	MinLiquidityUSD      float64  `yaml:"min_liquidity_usd"`
	MaxConsecutiveErrors int      `yaml:"max_consecutive_errors"`
}

// Store 崩溃恢复快照存储
type Store struct {
	Backend string `yaml:"backend"` // file | badger
	Path    string `yaml:"path"`
	// EncryptionKey 仅 badger 使用：32 字节 hex 或 base64，为空则不加密
	EncryptionKey string `yaml:"encryption_key"`
	// HistoryTTL badger 保留历史快照的时长，0 表示不保留
	HistoryTTL Duration `yaml:"history_ttl"`
}

// Audit 审计日志
type Audit struct {
	Backend string `yaml:"backend"` // jsonl | sqlite
	Path    string `yaml:"path"`
}

// Server 控制面/调试服务
type Server struct {
	ControlAddr string `yaml:"control_addr"`
	DebugAddr   string `yaml:"debug_addr"`
}

// Signals 信号输入（JSONL 文件路径，"-" 表示 stdin）
type Signals struct {
	Source string `yaml:"source"`
	// Follow 读到文件末尾后继续等待新行（类似 tail -f）
	Follow    bool `yaml:"follow"`
	QueueSize int  `yaml:"queue_size"`
	// RotationPoll 检查合约到期、结算旧市场持仓的周期，0 表示关闭
	RotationPoll Duration `yaml:"rotation_poll"`
}

// Config 应用配置
type Config struct {
	DryRun    bool      `yaml:"dry_run"`
	Log       Log       `yaml:"log"`
	Exchange  Exchange  `yaml:"exchange"`
	Execution Execution `yaml:"execution"`
	Risk      Risk      `yaml:"risk"`
	Store     Store     `yaml:"store"`
	Audit     Audit     `yaml:"audit"`
	Server    Server    `yaml:"server"`
	Signals   Signals   `yaml:"signals"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		DryRun: true,
		Log: Log{
			Level:      "info",
			Format:     "text",
			File:       "logs/edgeexec.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Exchange: Exchange{
			ClobURL:          "https://clob.polymarket.com",
			UserWSURL:        "wss://ws-subscriptions-clob.polymarket.com/ws/user",
			MarketWSURL:      "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:          137,
			RequestTimeout:   D(10 * time.Second),
			NetworkRetries:   3,
			RateLimitRetries: 4,
			EnableUserStream: true,
			EnableBookStream: true,
		},
		Execution: DefaultExecution(),
		Risk:      DefaultRisk(),
		Store:     Store{Backend: "file", Path: "data/state", HistoryTTL: D(24 * time.Hour)},
		Audit:     Audit{Backend: "jsonl", Path: "data/audit.jsonl"},
		Server:    Server{ControlAddr: "127.0.0.1:8088", DebugAddr: ""},
		Signals:   Signals{Source: "-", QueueSize: 256, RotationPoll: D(time.Second)},
	}
}

// DefaultExecution 执行器默认参数
func DefaultExecution() Execution {
	return Execution{
		FillPoll:             D(500 * time.Millisecond),
		FillTimeout:          D(8 * time.Second),
		MakerFillTimeout:     D(3 * time.Second),
		MakerMinSpread:       0.03,
		MakerMinTimeToExpiry: D(120 * time.Second),
		MaxReprices:          2,
		RepriceStep:          0.01,
		MaxHold:              D(5 * time.Minute),
		SafetyBuffer:         D(30 * time.Second),
		SafetyPoll:           D(500 * time.Millisecond),
		BookStaleAfter:       D(400 * time.Millisecond),
		ProfitTarget:         0.20,
		StopLoss:             0.15,
		EdgeCollapseBand:     0.02,
		HistoryLimit:         500,
		MinOrderSize:         1,
	}
}

// DefaultRisk 风控默认参数
func DefaultRisk() Risk {
	return Risk{
		InitialBankroll:      1000,
		Cooldown:             D(30 * time.Second),
		MaxOpenPositions:     3,
		MinBankroll:          50,
		DailyLossLimit:       100,
		MaxDrawdown:          0.25,
		Slippage:             0.005,
		FeeRate:              0.25,
		FeeExponent:          2,
		MinFillProbability:   0.30,
		LiquidityFraction:    0.75,
		MinLiquidityUSD:      5,
		MaxConsecutiveErrors: 5,
	}
}

// Load 加载配置（优先级：环境变量 > 配置文件 > 默认值）
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DryRun = parseBoolEnv("EDGEEXEC_DRY_RUN", cfg.DryRun)
	cfg.Log.Level = getEnv("EDGEEXEC_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("EDGEEXEC_LOG_FILE", cfg.Log.File)
	cfg.Exchange.ClobURL = getEnv("EDGEEXEC_CLOB_URL", cfg.Exchange.ClobURL)
	cfg.Exchange.APIKey = getEnv("EDGEEXEC_CLOB_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.APISecret = getEnv("EDGEEXEC_CLOB_API_SECRET", cfg.Exchange.APISecret)
	cfg.Exchange.APIPassphrase = getEnv("EDGEEXEC_CLOB_API_PASSPHRASE", cfg.Exchange.APIPassphrase)
	cfg.Exchange.PrivateKey = getEnv("EDGEEXEC_PRIVATE_KEY", cfg.Exchange.PrivateKey)
	cfg.Exchange.FunderAddress = getEnv("EDGEEXEC_FUNDER_ADDRESS", cfg.Exchange.FunderAddress)
	cfg.Risk.InitialBankroll = parseFloatEnv("EDGEEXEC_INITIAL_BANKROLL", cfg.Risk.InitialBankroll)
	cfg.Store.Backend = getEnv("EDGEEXEC_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = getEnv("EDGEEXEC_STORE_PATH", cfg.Store.Path)
	cfg.Store.EncryptionKey = getEnv("EDGEEXEC_STORE_KEY", cfg.Store.EncryptionKey)
	cfg.Audit.Backend = getEnv("EDGEEXEC_AUDIT_BACKEND", cfg.Audit.Backend)
	cfg.Audit.Path = getEnv("EDGEEXEC_AUDIT_PATH", cfg.Audit.Path)
	cfg.Server.ControlAddr = getEnv("EDGEEXEC_CONTROL_ADDR", cfg.Server.ControlAddr)
	cfg.Server.DebugAddr = getEnv("EDGEEXEC_DEBUG_ADDR", cfg.Server.DebugAddr)
	cfg.Signals.Source = getEnv("EDGEEXEC_SIGNALS", cfg.Signals.Source)
	cfg.Signals.Follow = parseBoolEnv("EDGEEXEC_SIGNALS_FOLLOW", cfg.Signals.Follow)
}

// Validate 返回全部配置问题（实盘模式下应视为致命错误，纸交易模式下仅告警）
func (c *Config) Validate() []string {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !c.DryRun {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" || c.Exchange.APIPassphrase == "" {
			add("实盘模式需要 EDGEEXEC_CLOB_API_KEY / SECRET / PASSPHRASE")
		}
		if c.Exchange.PrivateKey == "" {
			add("实盘模式需要 EDGEEXEC_PRIVATE_KEY（订单签名）")
		}
		if c.Exchange.ClobURL == "" {
			add("exchange.clob_url 不能为空")
		}
	}

	e := c.Execution
	if e.FillPoll.Duration <= 0 || e.FillTimeout.Duration <= 0 {
		add("execution.fill_poll / fill_timeout 必须大于 0")
	} else if e.FillPoll.Duration >= e.FillTimeout.Duration {
		add("execution.fill_poll (%v) 必须小于 fill_timeout (%v)", e.FillPoll.Duration, e.FillTimeout.Duration)
	}
	if e.MaxHold.Duration <= 0 {
		add("execution.max_hold 必须大于 0")
	}
	if e.SafetyPoll.Duration <= 0 {
		add("execution.safety_poll 必须大于 0")
	}
	if e.ProfitTarget <= 0 || e.StopLoss <= 0 {
		add("execution.profit_target / stop_loss 必须大于 0")
	}
	if e.MaxReprices < 0 {
		add("execution.max_reprices 不能为负数")
	}

	r := c.Risk
	if r.InitialBankroll <= 0 {
		add("risk.initial_bankroll 必须大于 0")
	}
	if r.MaxOpenPositions <= 0 {
		add("risk.max_open_positions 必须大于 0")
	}
	if r.MaxDrawdown <= 0 || r.MaxDrawdown >= 1 {
		add("risk.max_drawdown 必须在 0 到 1 之间")
	}
	if r.LiquidityFraction <= 0 || r.LiquidityFraction > 1 {
		add("risk.liquidity_fraction 必须在 (0,1] 之间")
	}
	if r.MinFillProbability < 0 || r.MinFillProbability > 1 {
		add("risk.min_fill_probability 必须在 [0,1] 之间")
	}

	switch c.Store.Backend {
	case "file", "badger":
	default:
		add("store.backend 不支持: %q", c.Store.Backend)
	}
	switch c.Audit.Backend {
	case "jsonl", "sqlite":
	default:
		add("audit.backend 不支持: %q", c.Audit.Backend)
	}
	return problems
}

// CheckStartup 实盘模式下任何配置问题都是致命的；纸交易模式返回 nil，由调用方记录告警。
func (c *Config) CheckStartup() (warnings []string, err error) {
	problems := c.Validate()
	if len(problems) == 0 {
		return nil, nil
	}
	if c.DryRun {
		return problems, nil
	}
	return nil, fmt.Errorf("配置验证失败: %s", strings.Join(problems, "; "))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
