package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/betbot/gpubid/pkg/config"
	"github.com/betbot/gpubid/pkg/logger"
	"github.com/betbot/gpubid/pkg/secretstore"
)

type options struct {
	configPath string
	envFile    string
	dryRun     bool
	once       bool
	logLevel   string
}

func main() {
	var opts options
	flag.StringVarP(&opts.configPath, "config", "c", "", "配置文件路径（支持 .yaml, .yml, .json）")
	flag.StringVar(&opts.envFile, "env-file", ".env", "启动前加载的 .env 文件（不存在则忽略）")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "纸交易模式：只打印将要执行的出价，不发送变更请求")
	flag.BoolVar(&opts.once, "once", false, "只执行一个周期后退出")
	flag.StringVar(&opts.logLevel, "log-level", "", "覆盖日志级别（debug|info|warn|error）")
	flag.Parse()

	// .env 只补充，不覆盖已有环境变量
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			fmt.Fprintln(os.Stderr, "加载 .env 失败:", err)
		}
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "配置错误:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "初始化日志失败:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, opts.once); err != nil {
		log.WithError(err).Error("bidder 退出")
		os.Exit(1)
	}
	log.Info("bidder 已停止")
}

// loadConfig 默认值 -> 配置文件 -> 环境变量 -> 命令行 -> secret store 补齐凭证，最后校验
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.dryRun {
		cfg.DryRun = true
	}
	if strings.TrimSpace(opts.logLevel) != "" {
		cfg.Log.Level = strings.TrimSpace(opts.logLevel)
	}

	if cfg.Secrets.DB != "" {
		key, err := secretstore.ParseKey(cfg.Secrets.Key)
		if err != nil {
			return cfg, err
		}
		store, err := secretstore.Open(secretstore.OpenOptions{
			Path:          cfg.Secrets.DB,
			EncryptionKey: key,
			ReadOnly:      true,
		})
		if err != nil {
			return cfg, err
		}
		defer store.Close()
		if err := cfg.ApplySecrets(store.LookupEnv); err != nil {
			return cfg, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "配置验证失败")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger, once bool) error {
	mode := "实盘"
	if cfg.DryRun {
		mode = "📝 纸交易"
	}
	log.WithFields(logrus.Fields{
		"gpu":         cfg.OfferFilter.GPUModel,
		"ceiling":     cfg.Bidding.CostCeilingPerGPU.String(),
		"multiplier":  cfg.Bidding.BidMultiplier.String(),
		"interval":    cfg.Loop.CycleInterval.String(),
		"call_delay":  cfg.Loop.InterCallDelay.String(),
		"dedup":       cfg.Bidding.DedupWindow.String(),
		"ledger_path": cfg.Ledger.Path,
	}).Infof("GPU bidder 启动（%s）", mode)

	a, err := buildApp(ctx, cfg, log, nil)
	if err != nil {
		return err
	}
	defer a.close()
	return a.run(ctx, once)
}
