package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/betbot/gpubid/pkg/backoff"
	"github.com/betbot/gpubid/pkg/logger"
)

const (
	DefaultAPIURL        = "https://console.vast.ai"
	DefaultGPUModel      = "RTX_4090"
	DefaultInstanceClass = "interruptible"
	DefaultSortKey       = "flops_per_dphtotal"
)

// VastConfig 市场 API 配置
type VastConfig struct {
	APIURL       string   `yaml:"api_url" json:"api_url"`
	APIKey       string   `yaml:"api_key" json:"api_key"`             // 推荐通过 VAST_API_KEY 或 secret store 提供
	TemplateHash string   `yaml:"template_hash" json:"template_hash"` // 创建实例使用的模板
	Timeout      Duration `yaml:"timeout" json:"timeout"`             // 单次 HTTP 请求超时，默认 30s
}

// BiddingConfig 出价策略配置
type BiddingConfig struct {
	CostCeilingPerGPU decimal.Decimal `yaml:"cost_ceiling_per_gpu" json:"cost_ceiling_per_gpu"` // 每 GPU 每小时上限，默认 0.20
	BidMultiplier     decimal.Decimal `yaml:"bid_multiplier" json:"bid_multiplier"`             // 出价倍数，必须 > 1，默认 2.1
	DedupWindow       Duration        `yaml:"dedup_window" json:"dedup_window"`                 // 同一 offer 重复出价的抑制窗口，0 关闭，默认 10m
	MarketCostTTL     Duration        `yaml:"market_cost_ttl" json:"market_cost_ttl"`           // 按 GPU 型号缓存的市场成本有效期，0 关闭，默认 2m
}

// OfferFilterConfig offer 查询条件
type OfferFilterConfig struct {
	GPUModel      string         `yaml:"gpu_model" json:"gpu_model"`
	InstanceClass string         `yaml:"instance_class" json:"instance_class"` // interruptible 或 on-demand
	SortKey       string         `yaml:"sort_key" json:"sort_key"`
	Limit         int            `yaml:"limit" json:"limit"` // 0 表示由服务端决定
	Extra         map[string]any `yaml:"extra" json:"extra"` // 额外查询条件，原样合并进查询
}

// BackoffConfig 周期失败后的等待策略
type BackoffConfig struct {
	Strategy string   `yaml:"strategy" json:"strategy"` // fixed（默认）或 exponential
	Base     Duration `yaml:"base" json:"base"`         // 默认 15s
	Max      Duration `yaml:"max" json:"max"`           // exponential 上限，默认 5m
	Factor   float64  `yaml:"factor" json:"factor"`     // exponential 倍数，默认 2
}

// LoopConfig 调和循环节奏
type LoopConfig struct {
	CycleInterval  Duration      `yaml:"cycle_interval" json:"cycle_interval"`     // 默认 15s
	InterCallDelay Duration      `yaml:"inter_call_delay" json:"inter_call_delay"` // 每次变更请求后的固定等待，默认 500ms
	PaceReads      bool          `yaml:"pace_reads" json:"pace_reads"`             // 查询请求后也等待 InterCallDelay
	Backoff        BackoffConfig `yaml:"backoff" json:"backoff"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// LedgerConfig sqlite 记录
type LedgerConfig struct {
	Path string `yaml:"path" json:"path"` // 为空则不记录
}

// StatusConfig 只读状态 API 和调试服务
type StatusConfig struct {
	Listen      string `yaml:"listen" json:"listen"`             // gin 状态 API，为空则不启动
	DebugListen string `yaml:"debug_listen" json:"debug_listen"` // /debug/vars 和 pprof，为空则不启动
}

// SecretsConfig badger secret store
type SecretsConfig struct {
	DB  string `yaml:"db" json:"db"`
	Key string `yaml:"key" json:"key"` // 32 字节 hex 或 base64
}

// Config 应用配置
type Config struct {
	Vast        VastConfig        `yaml:"vast" json:"vast"`
	Bidding     BiddingConfig     `yaml:"bidding" json:"bidding"`
	OfferFilter OfferFilterConfig `yaml:"offer_filter" json:"offer_filter"`
	Loop        LoopConfig        `yaml:"loop" json:"loop"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Ledger      LedgerConfig      `yaml:"ledger" json:"ledger"`
	Status      StatusConfig      `yaml:"status" json:"status"`
	Secrets     SecretsConfig     `yaml:"secrets" json:"secrets"`
	DryRun      bool              `yaml:"dry_run" json:"dry_run"` // 纸交易模式：不发送变更请求，只打印日志
}

// Default 默认配置
func Default() Config {
	return Config{
		Vast: VastConfig{
			APIURL:  DefaultAPIURL,
			Timeout: D(30 * time.Second),
		},
		Bidding: BiddingConfig{
			CostCeilingPerGPU: decimal.RequireFromString("0.20"),
			BidMultiplier:     decimal.RequireFromString("2.1"),
			DedupWindow:       D(10 * time.Minute),
			MarketCostTTL:     D(2 * time.Minute),
		},
		OfferFilter: OfferFilterConfig{
			GPUModel:      DefaultGPUModel,
			InstanceClass: DefaultInstanceClass,
			SortKey:       DefaultSortKey,
		},
		Loop: LoopConfig{
			CycleInterval:  D(15 * time.Second),
			InterCallDelay: D(500 * time.Millisecond),
			Backoff: BackoffConfig{
				Strategy: backoff.StrategyFixed,
				Base:     D(15 * time.Second),
				Max:      D(5 * time.Minute),
				Factor:   2,
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			File:       "logs/bidder.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		Ledger: LedgerConfig{Path: "data/bidder.db"},
	}
}

// LookupFunc 与 os.LookupEnv 同签名，测试时可替换
type LookupFunc func(key string) (string, bool)

// SecretLookup 从 secret store 读取变量，签名与 secretstore.Store.LookupEnv 一致
type SecretLookup func(name string) (string, bool, error)

// Load 读取配置：默认值 -> 配置文件（.yaml/.yml/.json，可为空） -> 环境变量
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv 同 Load，环境变量来源可替换
func LoadWithEnv(path string, lookup LookupFunc) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "读取配置文件失败 %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		return fmt.Errorf("不支持的配置文件格式: %s（仅支持 .yaml/.yml/.json）", path)
	}
	if err != nil {
		return errors.Wrapf(err, "解析配置文件失败 %s", path)
	}
	return nil
}

// applyEnv 环境变量覆盖配置文件
func (c *Config) applyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dec := func(key string, dst *decimal.Decimal) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "%s 不是合法数字", key)
		}
		*dst = d
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		if err := dst.parseEnv(v); err != nil {
			return errors.Wrapf(err, "%s", key)
		}
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "%s 不是合法布尔值", key)
		}
		*dst = b
		return nil
	}

	str("VAST_API_KEY", &c.Vast.APIKey)
	str("VAST_TEMPLATE_HASH", &c.Vast.TemplateHash)
	str("VAST_API_URL", &c.Vast.APIURL)
	str("GPUBID_GPU_MODEL", &c.OfferFilter.GPUModel)
	str("GPUBID_LOG_LEVEL", &c.Log.Level)
	str("GPUBID_LOG_FORMAT", &c.Log.Format)
	str("GPUBID_LOG_FILE", &c.Log.File)
	str("GPUBID_LEDGER_PATH", &c.Ledger.Path)
	str("GPUBID_STATUS_LISTEN", &c.Status.Listen)
	str("GPUBID_DEBUG_LISTEN", &c.Status.DebugListen)
	str("GPUBID_SECRET_DB", &c.Secrets.DB)
	str("GPUBID_SECRET_KEY", &c.Secrets.Key)

	for _, fn := range []func() error{
		func() error { return dec("GPUBID_COST_CEILING", &c.Bidding.CostCeilingPerGPU) },
		func() error { return dec("GPUBID_BID_MULTIPLIER", &c.Bidding.BidMultiplier) },
		func() error { return dur("GPUBID_CYCLE_INTERVAL", &c.Loop.CycleInterval) },
		func() error { return dur("GPUBID_INTER_CALL_DELAY", &c.Loop.InterCallDelay) },
		func() error { return boolean("GPUBID_DRY_RUN", &c.DryRun) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

// ApplySecrets 用 secret store 补齐缺失的凭证（已通过文件或环境变量提供的不覆盖）
func (c *Config) ApplySecrets(lookup SecretLookup) error {
	if lookup == nil {
		return nil
	}
	for name, dst := range map[string]*string{
		"VAST_API_KEY":       &c.Vast.APIKey,
		"VAST_TEMPLATE_HASH": &c.Vast.TemplateHash,
	} {
		if strings.TrimSpace(*dst) != "" {
			continue
		}
		v, ok, err := lookup(name)
		if err != nil {
			return errors.Wrapf(err, "读取 secret %s 失败", name)
		}
		if ok {
			*dst = strings.TrimSpace(v)
		}
	}
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Vast.APIKey == "" {
			return fmt.Errorf("VAST_API_KEY 未配置")
		}
		if c.Vast.TemplateHash == "" {
			return fmt.Errorf("VAST_TEMPLATE_HASH 未配置")
		}
	}
	if strings.TrimSpace(c.Vast.APIURL) == "" {
		return fmt.Errorf("vast.api_url 不能为空")
	}
	if c.Vast.Timeout.Duration <= 0 {
		return fmt.Errorf("vast.timeout 必须大于 0")
	}
	if c.Bidding.CostCeilingPerGPU.IsNegative() {
		return fmt.Errorf("cost_ceiling_per_gpu 不能为负数")
	}
	if c.Bidding.BidMultiplier.LessThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("bid_multiplier 必须大于 1，当前 %s", c.Bidding.BidMultiplier)
	}
	if c.Bidding.DedupWindow.Duration < 0 || c.Bidding.MarketCostTTL.Duration < 0 {
		return fmt.Errorf("dedup_window / market_cost_ttl 不能为负数")
	}
	if strings.TrimSpace(c.OfferFilter.GPUModel) == "" {
		return fmt.Errorf("offer_filter.gpu_model 不能为空")
	}
	switch c.OfferFilter.InstanceClass {
	case "interruptible", "on-demand":
	default:
		return fmt.Errorf("未知的 instance_class: %s", c.OfferFilter.InstanceClass)
	}
	if c.OfferFilter.Limit < 0 {
		return fmt.Errorf("offer_filter.limit 不能为负数")
	}
	if c.Loop.CycleInterval.Duration <= 0 {
		return fmt.Errorf("cycle_interval 必须大于 0")
	}
	if c.Loop.InterCallDelay.Duration <= 0 {
		return fmt.Errorf("inter_call_delay 必须大于 0")
	}
	if c.Loop.Backoff.Base.Duration <= 0 {
		return fmt.Errorf("backoff.base 必须大于 0")
	}
	if _, err := c.BackoffPolicy(); err != nil {
		return err
	}
	return nil
}

// BackoffPolicy 按配置构造失败等待策略
func (c *Config) BackoffPolicy() (backoff.Policy, error) {
	b := c.Loop.Backoff
	return backoff.New(b.Strategy, b.Base.Duration, b.Max.Duration, b.Factor)
}

// LoggerConfig 转换为 logger.Config
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		OutputFile: c.Log.File,
		MaxSize:    c.Log.MaxSize,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAge,
		Compress:   c.Log.Compress,
	}
}
