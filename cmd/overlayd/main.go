package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/overlay-sync/internal/catalog"
	"github.com/mohammed-shakir/overlay-sync/internal/core/config"
	"github.com/mohammed-shakir/overlay-sync/internal/core/health"
	"github.com/mohammed-shakir/overlay-sync/internal/core/httpclient"
	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/core/observability"
	"github.com/mohammed-shakir/overlay-sync/internal/core/ogc"
	"github.com/mohammed-shakir/overlay-sync/internal/core/router"
	"github.com/mohammed-shakir/overlay-sync/internal/core/server"
	"github.com/mohammed-shakir/overlay-sync/internal/hitevents"
	"github.com/mohammed-shakir/overlay-sync/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/overlay-sync/internal/logger"
	"github.com/mohammed-shakir/overlay-sync/internal/loop"
	h3mapper "github.com/mohammed-shakir/overlay-sync/internal/mapper/h3"
	"github.com/mohammed-shakir/overlay-sync/internal/metrics"
	"github.com/mohammed-shakir/overlay-sync/internal/registry"
	"github.com/mohammed-shakir/overlay-sync/internal/session"
	"github.com/mohammed-shakir/overlay-sync/internal/tileclient"
	"github.com/mohammed-shakir/overlay-sync/internal/viewport"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// overriding the catalog via flag
	catalogFlag := flag.String("catalog", "", "layer catalog file (yaml, json or toml)")
	flag.Parse()

	cfg := config.FromEnv()
	if *catalogFlag != "" {
		cfg.CatalogPath = strings.TrimSpace(*catalogFlag)
	}

	sessionID := logger.NewID()
	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		SampleN:   cfg.LogSample,
		Component: "overlayd",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	p := metrics.Init(metrics.Config{
		Enabled: true,
		Path:    os.Getenv("METRICS_PATH"),
		Build: metrics.BuildInfo{
			Version:   os.Getenv("BUILD_VERSION"),
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(p.Registerer())
	observability.ExposeBuildInfo(Version)

	appLog.Info("starting overlayd",
		"addr", cfg.Addr,
		"version", Version,
		"wms", cfg.WMSURL,
		"vector", cfg.VectorURL,
		"catalog", cfg.CatalogPath)

	specs, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		appLog.Error("failed to load layer catalog", "err", err)
		return 1
	}
	reg := registry.New(specs)

	view := viewport.NewMap(model.LatLng{Lat: cfg.CenterLat, Lng: cfg.CenterLng},
		cfg.Zoom, cfg.SurfaceWidth, cfg.SurfaceHeight)

	client, err := tileclient.New(appLog, httpclient.NewOutbound(cfg.HTTPTimeout), tileclient.Options{
		WMSURL:      cfg.WMSURL,
		VectorURL:   cfg.VectorURL,
		Credentials: ogc.Credentials{Key: cfg.WMSKey, Domain: cfg.WMSDomain},
		Format:      cfg.RasterFormat,
	})
	if err != nil {
		appLog.Error("failed to initialize tile client", "err", err)
		return 1
	}

	opts := session.OptionsFromConfig(sessionID, cfg)
	if cfg.HitEvents.Enabled {
		pub, err := hitevents.NewPublisher(appLog, cfg.HitEvents.Brokers, h3mapper.New(), hitevents.Options{
			Topic: cfg.HitEvents.Topic,
			Queue: cfg.HitEvents.Queue,
			H3Res: cfg.HitEvents.H3Res,
		})
		if err != nil {
			appLog.Error("failed to initialize hit events", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
		opts.Hits = pub
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lp := loop.New(cfg.LoopQueue)
	go lp.Run(ctx)

	sess, err := session.New(appLog, lp, reg, view, client, opts)
	if err != nil {
		appLog.Error("session setup failed", "err", err)
		return 1
	}
	if err := sess.Start(ctx); err != nil {
		appLog.Error("session start failed", "err", err)
		return 1
	}

	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
		defer cancel()
		names, err := client.Capabilities(probeCtx)
		if err != nil {
			appLog.Warn("capabilities probe failed", "err", err)
			return
		}
		appLog.Info("capabilities probe", "layers", len(names))
	}()

	if icfg := kafkaconsumer.FromEnv(); icfg.Enabled {
		consumer := kafkaconsumer.New(icfg, appLog, sess)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	ready := health.ReadinessFunc(func() (bool, uint64) {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		st, err := sess.Status(rctx)
		if err != nil {
			return false, 0
		}
		return true, st.Cycle.ID
	})

	handler := router.New(router.Deps{
		Logger:       appLog,
		Engine:       sess,
		Widget:       view,
		Metrics:      p.Handler(),
		MetricsPath:  p.Path(),
		Ready:        ready,
		Capabilities: client,
	})

	err = server.Run(ctx, cfg.Addr, appLog, handler)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := sess.Close(closeCtx); cerr != nil {
		appLog.Warn("session close", "err", cerr)
	}

	if err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
