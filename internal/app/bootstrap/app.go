package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/doorlink/proximity-server/internal/api"
	"github.com/doorlink/proximity-server/internal/api/middleware"
	"github.com/doorlink/proximity-server/internal/app"
	cfgpkg "github.com/doorlink/proximity-server/internal/config"
	"github.com/doorlink/proximity-server/internal/health"
	"github.com/doorlink/proximity-server/internal/httpserver"
	"github.com/doorlink/proximity-server/internal/metrics"
	"github.com/doorlink/proximity-server/internal/proximity"
	"github.com/doorlink/proximity-server/internal/registry"
	"github.com/doorlink/proximity-server/internal/scanfeed"
	"github.com/doorlink/proximity-server/internal/transport"
)

// Run 统一启动流程。依赖按阶段建立：
// 指标 → 引擎 → 清单 → 传输 → HTTP → 采样入站，全部就绪后才开扫描上行。
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting proximity server",
		zap.String("env", cfg.App.Env),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("scanfeed_addr", cfg.ScanFeed.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ========== 阶段1: 指标 ==========
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		metricsHandler = metrics.Handler(reg)
	}

	// ========== 阶段2: 近场判定引擎 ==========
	engine, err := proximity.New(proximity.Params{
		EnterThreshold:  cfg.Engine.EnterThreshold,
		ExitThreshold:   cfg.Engine.ExitThreshold,
		AlphaNear:       cfg.Engine.AlphaNear,
		AlphaFar:        cfg.Engine.AlphaFar,
		WindowDuration:  cfg.Engine.WindowDuration,
		PacketsRequired: cfg.Engine.PacketsRequired,
		ExpiryTimeout:   cfg.Engine.ExpiryTimeout,
	},
		proximity.WithLogger(log.Named("engine")),
		proximity.WithObserver(engineObserver(appm)),
	)
	if err != nil {
		log.Error("engine initialization failed", zap.Error(err))
		return err
	}
	log.Info("proximity engine initialized",
		zap.Float64("enter_threshold", cfg.Engine.EnterThreshold),
		zap.Float64("exit_threshold", cfg.Engine.ExitThreshold),
		zap.Duration("window", cfg.Engine.WindowDuration),
		zap.Int("packets_required", cfg.Engine.PacketsRequired))

	// ========== 阶段3: 配对设备清单 ==========
	var deviceReg *registry.Registry
	if cfg.Registry.Path != "" {
		deviceReg = registry.New(cfg.Registry.Path, engine, log.Named("registry"))
		deviceReg.SetObserver(registry.ObserverFunc(func(operation, status string) {
			appm.RegistryReloads.Inc()
			appm.RegistryDevices.Set(float64(deviceReg.Count()))
		}))
		if err := deviceReg.Load(); err != nil {
			log.Error("device registry load failed", zap.Error(err))
			return err
		}
		if cfg.Registry.Watch {
			if err := deviceReg.Watch(ctx); err != nil {
				log.Warn("device registry watch unavailable", zap.Error(err))
			}
		}
		log.Info("device registry loaded",
			zap.String("path", cfg.Registry.Path),
			zap.Int("devices", deviceReg.Count()),
			zap.Bool("strict", cfg.Registry.Strict))
	}

	// ========== 阶段4: 快照传输 ==========
	wsHub := transport.NewWSHub(cfg.WS, log.Named("ws"))
	wsHub.SetClientsGauge(func(n int) { appm.WSClientsGauge.Set(float64(n)) })
	defer wsHub.Close()

	sinks := []transport.Publisher{wsHub}
	var redisPub *transport.RedisPublisher
	if cfg.Redis.Enabled {
		redisPub, err = transport.NewRedisPublisher(cfg.Redis, log.Named("redis"))
		if err != nil {
			log.Error("redis initialization failed", zap.Error(err))
			return err
		}
		defer redisPub.Close()
		go redisPub.StartHealthLoop(ctx, 5*time.Second)
		sinks = append(sinks, redisPub)
		log.Info("redis snapshot channel enabled",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("channel", cfg.Redis.Channel))
	}
	sink := transport.NewMulti(sinks...)

	// ========== 阶段5: 采样入站 ==========
	ingestor := app.NewSampleIngestor(engine, 256, appm, log.Named("ingestor"))
	if cfg.Registry.Strict && deviceReg != nil {
		ingestor.SetGate(deviceReg.Known)
		log.Info("strict ingest mode enabled: unlisted devices rejected")
	}
	go ingestor.Start(ctx)

	// ========== 阶段6: HTTP 服务 ==========
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler)

	scanSrv := scanfeed.New(cfg.ScanFeed, log.Named("scanfeed"))
	healthAgg := health.NewAggregator(
		health.NewEngineChecker(engine, 0),
		health.NewScanFeedChecker(scanSrv),
	)
	if redisPub != nil {
		healthAgg.AddChecker(health.NewRedisChecker(redisPub))
	}

	httpSrv.Register(func(r *gin.Engine) {
		authCfg := middleware.AuthConfig{
			APIKeys: cfg.Auth.APIKeys,
			Enabled: cfg.Auth.Enabled,
		}
		api.RegisterDeviceRoutes(r, engine, deviceReg, authCfg, log.Named("api"))
		health.RegisterHTTPRoutes(r, healthAgg)
		r.GET(cfg.WS.Path, gin.WrapH(wsHub))
	})

	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", cfg.HTTP.Addr))

	// ========== 阶段7: 周期任务 ==========
	publisher := app.NewSnapshotPublisher(engine, sink, cfg.Publish.TickInterval, appm, log.Named("publisher"))
	go publisher.Start(ctx)

	scanner := app.NewExpiryScanner(engine, cfg.Publish.ExpiryInterval, appm, log.Named("expiry"))
	go scanner.Start(ctx)

	// ========== 阶段8: 最后开扫描上行（所有下游已就绪）==========
	scanSrv.SetSampleHandler(func(s proximity.Sample) { _ = ingestor.Submit(s) })
	scanSrv.SetMetricsCallbacks(
		func() { appm.ScanFeedAccepted.Inc() },
		func(n int) { appm.ScanFeedBytes.Add(float64(n)) },
		func(reason string) { appm.SamplesRejected.WithLabelValues(reason).Inc() },
	)
	if err := scanSrv.Start(); err != nil {
		log.Error("scan feed start failed", zap.Error(err))
		return err
	}
	log.Info("scan feed started, all services ready", zap.String("addr", cfg.ScanFeed.Addr))

	// ========== 阶段9: 等待关闭信号 ==========
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("received shutdown signal, gracefully shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = scanSrv.Shutdown(shutdownCtx)
	log.Info("scan feed stopped")

	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info("http server stopped")

	log.Info("shutdown complete")
	return nil
}

// engineObserver 把引擎事件映射到业务指标
func engineObserver(appm *metrics.AppMetrics) proximity.Observer {
	return proximity.ObserverFunc(func(operation, status string) {
		if operation != "transition" {
			return
		}
		switch status {
		case "near":
			appm.NearTransitions.WithLabelValues("enter").Inc()
		case "far":
			appm.NearTransitions.WithLabelValues("exit").Inc()
		}
	})
}
