package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/edgeexec/internal/alert"
	"github.com/betbot/edgeexec/internal/audit"
	"github.com/betbot/edgeexec/internal/controlplane"
	"github.com/betbot/edgeexec/internal/domain"
	"github.com/betbot/edgeexec/internal/exchange"
	"github.com/betbot/edgeexec/internal/execution"
	"github.com/betbot/edgeexec/internal/fill"
	"github.com/betbot/edgeexec/internal/metrics"
	"github.com/betbot/edgeexec/internal/ports"
	"github.com/betbot/edgeexec/internal/risk"
	"github.com/betbot/edgeexec/internal/services"
	"github.com/betbot/edgeexec/internal/store"
	"github.com/betbot/edgeexec/pkg/config"
	"github.com/betbot/edgeexec/pkg/logger"
	"github.com/betbot/edgeexec/pkg/shutdown"
)

// paperBookFeed 纸交易模式下把推送行情同时喂给撮合器，保证模拟成交用的是最新盘口
type paperBookFeed struct {
	upstream ports.BookFeed
	paper    *exchange.PaperExchange
}

func (f paperBookFeed) SubscribeBook(tokenID string, handler ports.BookHandler) (func(), error) {
	return f.upstream.SubscribeBook(tokenID, func(b domain.BookSnapshot) {
		f.paper.SetBook(b)
		handler(b)
	})
}

type venue struct {
	exchange ports.Exchange
	fills    ports.FillEventSource
	books    ports.BookFeed
	runners  []func(ctx context.Context) error
}

func buildVenue(cfg *config.Config) (*venue, error) {
	v := &venue{}
	var market *exchange.MarketStream
	if cfg.Exchange.EnableBookStream && cfg.Exchange.MarketWSURL != "" {
		market = exchange.NewMarketStream(cfg.Exchange.MarketWSURL)
		v.runners = append(v.runners, market.Run)
	}

	if cfg.DryRun {
		// 纸交易：盘口取自公开接口，不需要签名
		var upstream ports.BookFetcher
		if cfg.Exchange.ClobURL != "" {
			upstream = exchange.NewClobClient(cfg.Exchange, nil)
		}
		paper := exchange.NewPaperExchange(upstream)
		v.exchange = paper
		if market != nil {
			v.books = paperBookFeed{upstream: market, paper: paper}
		}
		logrus.Info("📄 纸交易模式：订单不会发送到交易所")
		return v, nil
	}

	signer, err := exchange.NewOrderSigner(
		cfg.Exchange.PrivateKey,
		cfg.Exchange.FunderAddress,
		cfg.Exchange.SignatureType,
		cfg.Exchange.ChainID,
		cfg.Exchange.NegRisk,
	)
	if err != nil {
		return nil, err
	}
	v.exchange = exchange.NewClobClient(cfg.Exchange, signer)
	if market != nil {
		v.books = market
	}
	if cfg.Exchange.EnableUserStream && cfg.Exchange.UserWSURL != "" {
		user := exchange.NewUserStream(cfg.Exchange.UserWSURL, exchange.Credentials{
			APIKey:     cfg.Exchange.APIKey,
			Secret:     cfg.Exchange.APISecret,
			Passphrase: cfg.Exchange.APIPassphrase,
		})
		v.fills = user
		v.runners = append(v.runners, user.Run)
	}
	logrus.Warn("💰 实盘模式：订单将真实提交")
	return v, nil
}

func main() {
	configPath := flag.String("config", "", "配置文件路径 (yaml)")
	flag.Parse()

	// .env 可选，缺失时直接使用环境变量
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}

	warnings, err := cfg.CheckStartup()
	if err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		logrus.Warnf("⚠️ 配置问题（纸交易模式下忽略）: %s", w)
	}

	if err := run(cfg); err != nil {
		logrus.Errorf("运行失败: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	alerter := alert.NewLogAlerter(200)

	stateStore, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	auditSink, err := audit.Open(cfg.Audit)
	if err != nil {
		_ = stateStore.Close()
		return err
	}

	riskMgr := risk.NewManager(cfg.Risk, alerter)
	snap, err := stateStore.LoadState()
	if err != nil {
		// 快照损坏时拒绝启动，避免在错误的资金状态上继续交易
		_ = auditSink.Close()
		_ = stateStore.Close()
		return err
	}
	if snap != nil {
		riskMgr.RestoreState(snap.Ledger)
	}

	v, err := buildVenue(cfg)
	if err != nil {
		_ = auditSink.Close()
		_ = stateStore.Close()
		return err
	}

	executor := execution.New(cfg.Execution, execution.Deps{
		Exchange: v.exchange,
		Fills:    v.fills,
		Books:    v.books,
		Risk:     riskMgr,
		Store:    stateStore,
		Audit:    auditSink,
		Alerter:  alerter,
	})
	if snap != nil {
		n := executor.Restore(snap.Trades)
		logrus.Infof("♻️ 从快照恢复: bankroll=%s 持仓=%d (保存于 %s)",
			snap.Ledger.Bankroll.StringFixed(2), n, snap.SavedAt.Format(time.RFC3339))
	}

	tracker := fill.NewTracker()
	pipeline := services.NewPipeline(tracker, riskMgr, executor)
	dispatcher := services.NewDispatcher(pipeline, cfg.Signals.QueueSize)

	source, err := services.OpenSignalSource(cfg.Signals.Source)
	if err != nil {
		executor.Close()
		_ = auditSink.Close()
		_ = stateStore.Close()
		return err
	}
	reader := services.NewSignalReader(source, dispatcher, cfg.Signals.Follow)
	rotation := services.NewRotationWatcher(executor, cfg.Signals.RotationPoll.D())

	control := controlplane.New(controlplane.Deps{
		Positions: executor,
		Risk:      riskMgr,
		Fills:     tracker,
		Alerts:    alerter,
		DryRun:    cfg.DryRun,
	})

	if cfg.Server.DebugAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.Server.DebugAddr); err != nil {
			logrus.Warnf("⚠️ 调试服务启动失败: %v", err)
		} else {
			logrus.Infof("🔧 调试服务: http://%s/debug/vars", cfg.Server.DebugAddr)
		}
	}

	// 关闭顺序：先停输入，再平掉持仓，最后落盘
	sm := shutdown.NewManager()
	sm.OnShutdown("stop_intake", func(context.Context) error {
		dispatcher.Stop()
		return source.Close()
	})
	sm.OnShutdown("cancel_all", func(ctx context.Context) error {
		n, err := executor.CancelAll(ctx)
		logrus.Infof("🧯 关闭时结算持仓: %d", n)
		return err
	})
	sm.OnShutdown("flush_state", func(context.Context) error {
		if !stateStore.FlushStateWrites(5 * time.Second) {
			return errors.New("快照写入超时")
		}
		return nil
	})
	sm.OnShutdown("close_executor", func(context.Context) error {
		executor.Close()
		return nil
	})
	sm.OnShutdown("close_store", func(context.Context) error { return stateStore.Close() })
	sm.OnShutdown("close_audit", func(context.Context) error { return auditSink.Close() })

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range v.runners {
		r := r
		g.Go(func() error { return ignoreCanceled(r(gctx)) })
	}
	g.Go(func() error { return ignoreCanceled(dispatcher.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(reader.Run(gctx)) })
	if cfg.Signals.RotationPoll.D() > 0 {
		g.Go(func() error { return ignoreCanceled(rotation.Run(gctx)) })
	}
	if cfg.Server.ControlAddr != "" {
		g.Go(func() error { return control.Run(gctx, cfg.Server.ControlAddr) })
	}

	logrus.Infof("🚀 edgeexec 已启动 (dry_run=%v, signals=%s)", cfg.DryRun, sourceName(cfg.Signals.Source))
	err = g.Wait()
	if err != nil {
		logrus.Errorf("❌ 组件异常退出: %v", err)
	} else {
		logrus.Info("收到退出信号，开始关闭")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sm.Shutdown(shutdownCtx)
	_ = logger.Close()
	return err
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func sourceName(path string) string {
	if p := strings.TrimSpace(path); p != "" && p != "-" {
		return p
	}
	return "stdin"
}
