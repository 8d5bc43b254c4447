package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gpubid/internal/executor"
	"github.com/betbot/gpubid/internal/guard"
	"github.com/betbot/gpubid/internal/infrastructure/vast"
	"github.com/betbot/gpubid/internal/ledger"
	"github.com/betbot/gpubid/internal/metrics"
	"github.com/betbot/gpubid/internal/observer"
	"github.com/betbot/gpubid/internal/policy"
	"github.com/betbot/gpubid/internal/reconcile"
	"github.com/betbot/gpubid/internal/statusapi"
	"github.com/betbot/gpubid/pkg/config"
	"github.com/betbot/gpubid/pkg/ratelimit"
	"github.com/betbot/gpubid/pkg/shutdown"
)

// app 组装好的进程：调和循环 + 守护 + 可选的账本、指标、状态接口
type app struct {
	cfg      config.Config
	log      *logrus.Logger
	loop     *reconcile.Loop
	guard    *guard.Guard
	exec     *executor.Executor
	store    *ledger.Store
	shutdown *shutdown.Manager
}

// buildApp 按配置组装各组件。ctx 控制后台 HTTP 服务的生命周期。
func buildApp(ctx context.Context, cfg config.Config, log *logrus.Logger, transport http.RoundTripper) (*app, error) {
	a := &app{cfg: cfg, log: log, shutdown: shutdown.NewManager(log)}

	// 指标：tally -> expvar，通过调试服务查看
	reporter := metrics.NewExpvarReporter("gpubid")
	scope, closer := metrics.NewRootScope("gpubid", reporter, time.Second)
	a.shutdown.OnClose("metrics", closer.Close)
	m := metrics.New(scope)

	if cfg.Status.DebugListen != "" {
		if _, _, err := metrics.StartDebugServer(ctx, cfg.Status.DebugListen, log); err != nil {
			a.close()
			return nil, errors.Wrap(err, "启动调试服务失败")
		}
	}

	var (
		actionRecorder executor.Recorder
		cycleRecorder  reconcile.CycleRecorder
	)
	if cfg.Ledger.Path != "" {
		store, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			a.close()
			return nil, err
		}
		a.store = store
		a.shutdown.OnClose("ledger", store.Close)
		actionRecorder, cycleRecorder = store, store
	}

	client := vast.NewClient(vast.Config{
		BaseURL:   cfg.Vast.APIURL,
		APIKey:    cfg.Vast.APIKey,
		Timeout:   cfg.Vast.Timeout.Duration,
		Transport: transport,
	})
	pacer := ratelimit.NewFixedDelay(cfg.Loop.InterCallDelay.Duration)

	var obsOpts []observer.Option
	if cfg.Loop.PaceReads {
		obsOpts = append(obsOpts, observer.WithPacer(pacer))
	}

	execOpts := []executor.Option{}
	if actionRecorder != nil {
		execOpts = append(execOpts, executor.WithRecorder(actionRecorder))
	}
	a.exec = executor.New(client, pacer, executor.Config{
		TemplateHash: cfg.Vast.TemplateHash,
		DryRun:       cfg.DryRun,
		DedupWindow:  cfg.Bidding.DedupWindow.Duration,
	}, log, execOpts...)
	a.seedDedup(ctx)

	loopOpts := []reconcile.Option{reconcile.WithMetrics(m)}
	if cycleRecorder != nil {
		loopOpts = append(loopOpts, reconcile.WithRecorder(cycleRecorder))
	}
	loop, err := reconcile.New(
		observer.NewMarketObserver(client, log, obsOpts...),
		observer.NewInstanceObserver(client, log, obsOpts...),
		a.exec,
		reconcile.Config{
			Policy: policy.Config{
				CostCeilingPerGPU: cfg.Bidding.CostCeilingPerGPU,
				BidMultiplier:     cfg.Bidding.BidMultiplier,
			},
			Filter: vast.Query{
				GPUModel:      cfg.OfferFilter.GPUModel,
				InstanceClass: cfg.OfferFilter.InstanceClass,
				SortKey:       cfg.OfferFilter.SortKey,
				Limit:         cfg.OfferFilter.Limit,
				Extra:         cfg.OfferFilter.Extra,
			},
			MarketCostTTL: cfg.Bidding.MarketCostTTL.Duration,
		},
		log,
		loopOpts...,
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.loop = loop

	backoffPolicy, err := cfg.BackoffPolicy()
	if err != nil {
		a.close()
		return nil, err
	}
	a.guard = guard.New(loop, guard.Config{
		CycleInterval: cfg.Loop.CycleInterval.Duration,
		Backoff:       backoffPolicy,
	}, log, guard.WithMetrics(m))

	if cfg.Status.Listen != "" {
		if a.store == nil {
			log.Warn("状态接口需要账本（ledger.path），已跳过")
		} else {
			api := statusapi.New(a.store, statusapi.Info{
				DryRun:            cfg.DryRun,
				CostCeilingPerGPU: cfg.Bidding.CostCeilingPerGPU,
				BidMultiplier:     cfg.Bidding.BidMultiplier,
				CycleInterval:     cfg.Loop.CycleInterval.String(),
				StartedAt:         time.Now(),
			}, log)
			if _, _, err := api.Start(ctx, cfg.Status.Listen); err != nil {
				a.close()
				return nil, errors.Wrap(err, "启动状态接口失败")
			}
		}
	}
	return a, nil
}

// seedDedup 重启后从账本恢复去重窗口，避免对刚出过价的报价重复出价。
// 纸交易的记录只在本次也是纸交易时恢复。
func (a *app) seedDedup(ctx context.Context) {
	deduper := a.exec.Deduper()
	if a.store == nil || deduper == nil {
		return
	}
	since := time.Now().Add(-deduper.Window())
	targets, err := a.store.RecentBidTargets(ctx, since, a.cfg.DryRun)
	if err != nil {
		a.log.WithError(err).Warn("从账本恢复去重窗口失败")
		return
	}
	if n := deduper.Seed(targets); n > 0 {
		a.log.Infof("已从账本恢复 %d 个去重条目", n)
	}
}

// run 守护循环直到 ctx 取消；once 时只跑一个周期
func (a *app) run(ctx context.Context, once bool) error {
	if once {
		_, err := a.loop.RunCycle(ctx)
		return err
	}
	err := a.guard.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.shutdown.Shutdown(ctx)
}
