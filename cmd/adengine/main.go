package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patrickwarner/adeligibility/internal/adevents"
	"github.com/patrickwarner/adeligibility/internal/analytics"
	"github.com/patrickwarner/adeligibility/internal/api"
	"github.com/patrickwarner/adeligibility/internal/config"
	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/geoip"
	"github.com/patrickwarner/adeligibility/internal/history"
	"github.com/patrickwarner/adeligibility/internal/logic"
	"github.com/patrickwarner/adeligibility/internal/logic/filters"
	"github.com/patrickwarner/adeligibility/internal/logic/selectors"
	"github.com/patrickwarner/adeligibility/internal/models"
	"github.com/patrickwarner/adeligibility/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.InitLogger(cfg.Env, cfg.LogLevel, cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.Env, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			logger.Warn("tracing disabled", zap.Error(err))
		} else {
			defer shutdown()
		}
	}

	metrics := observability.NewPrometheusRegistry()

	// Redis backs the durable event log and the reactions store. Without it
	// events only live as long as the process.
	var (
		eventLog  db.AdEventLog = db.NewMemoryEventLog()
		reactions models.ReactionsStore
		redisRx   *db.RedisReactions
	)
	if cfg.RedisAddr != "" {
		store, err := db.InitRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory event log", zap.Error(err))
		} else {
			defer store.Close()
			eventLog = db.NewRedisEventLog(store, cfg.PlacementTTL)
			redisRx = db.NewRedisReactions(store)
			if err := redisRx.Refresh(ctx); err != nil {
				logger.Warn("initial reactions refresh failed", zap.Error(err))
			}
			reactions = redisRx
		}
	}
	if reactions == nil {
		reactions = models.NewInMemoryReactions()
	}

	catalog := models.NewInMemoryCatalog()
	anti := models.NewInMemoryAntiTargeting()
	var source db.CatalogSource
	if cfg.PostgresDSN != "" {
		pg, err := db.InitPostgres(ctx, cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
		if err != nil {
			logger.Warn("postgres unavailable, catalog stays empty", zap.Error(err))
		} else {
			defer pg.Close()
			source = pg
		}
	}

	hist := history.New(eventLog, cfg.HistoryRetention, logger)
	hist.SetHorizon(cfg.EventLogExpiry)
	if err := hist.Rebuild(ctx); err != nil {
		logger.Warn("history rebuild failed, starting with an empty cache", zap.Error(err))
	} else {
		logger.Info("history rebuilt", zap.Int("events", hist.Len()))
	}

	selector := selectors.NewEligibleAdsSelector(catalog, hist, eventLog)
	sampleRate := cfg.LogSampleRate
	if sampleRate <= 0 {
		sampleRate = observability.SamplingRate(cfg.Env)
	}
	selector.SetLogger(logger, sampleRate)
	selector.SetMetrics(metrics)
	selector.SetRuleSet(filters.DefaultRuleSet(cfg.TransferredWindow))
	selector.SetPacer(logic.NewPacer(cfg.PacingSeed))
	selector.SetAntiTargeting(anti)
	selector.SetReactions(reactions)
	selector.SetLocation(cfg.Location())
	selector.SetEventLogTimeout(cfg.EventLogTimeout)

	var geo *geoip.GeoIP
	if cfg.GeoIPDB != "" {
		g, err := geoip.Open(cfg.GeoIPDB)
		if err != nil {
			logger.Warn("geoip unavailable, geo targeted ads will not serve", zap.Error(err))
		} else {
			defer func() { _ = g.Close() }()
			geo = g
			if cfg.ClientIP != "" {
				resolver := geoip.NewResolver(geo)
				region := resolver.SetClientIP(cfg.ClientIP)
				logger.Info("default region resolved", zap.String("region", region))
				selector.SetRegion(resolver)
			}
		}
	}

	events := adevents.NewAdEventHandler(catalog, eventLog, hist)
	events.SetLogger(logger)
	events.SetMetrics(metrics)
	events.AddObserver(adevents.ObserverFunc(func(_ context.Context, e models.AdEvent) {
		logger.Debug("ad event recorded",
			zap.String("placement_id", e.PlacementID),
			zap.String("creative_instance_id", e.CreativeInstanceID),
			zap.String("ad_type", string(e.AdType)),
			zap.String("confirmation_type", string(e.ConfirmationType)))
	}))
	if cfg.ClickHouseDSN != "" {
		analyticsSvc, err := analytics.InitClickHouse(ctx, cfg.ClickHouseDSN, metrics, logger)
		if err != nil {
			logger.Warn("clickhouse unavailable, ad events not mirrored", zap.Error(err))
		} else {
			defer analyticsSvc.Close()
			events.AddObserver(analyticsSvc)
		}
	}

	srvDeps := api.NewServer(logger, selector, events, hist, source, catalog, anti, metrics, cfg.DebugTrace)
	if geo != nil {
		srvDeps.GeoIP = geo
	}
	if source != nil {
		if err := srvDeps.Reload(ctx); err != nil {
			logger.Warn("initial catalog load failed", zap.Error(err))
		}
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      srvDeps.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Ad eligibility engine running", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		hist.StartPruner(gctx, cfg.HistoryPruneInterval, cfg.EventLogExpiry)
		return nil
	})

	if source != nil && cfg.CatalogReloadInterval > 0 {
		g.Go(func() error {
			every(gctx, cfg.CatalogReloadInterval, func() {
				if err := srvDeps.Reload(gctx); err != nil {
					logger.Error("auto reload", zap.Error(err))
				}
			})
			return nil
		})
	}

	if redisRx != nil && cfg.ReactionsRefresh > 0 {
		g.Go(func() error {
			every(gctx, cfg.ReactionsRefresh, func() {
				if err := redisRx.Refresh(gctx); err != nil {
					logger.Error("reactions refresh", zap.Error(err))
				}
			})
			return nil
		})
	}

	return g.Wait()
}

// every calls fn on each tick of interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}
