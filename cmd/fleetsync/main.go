package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	jsonhandler "github.com/apex/log/handlers/json"
	redis "github.com/redis/go-redis/v9"

	"fleetsync/internal/api"
	"fleetsync/internal/catalog"
	"fleetsync/internal/config"
	"fleetsync/internal/deploy"
	"fleetsync/internal/events"
	"fleetsync/internal/geosync"
	"fleetsync/internal/groups"
	"fleetsync/internal/lock"
	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/overrides"
	"fleetsync/internal/platform"
	"fleetsync/internal/store"
	"fleetsync/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	setupLogging(cfg)
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer closeStore()
	if cfg.CatalogFile != "" {
		w, ok := st.(store.CatalogWriter)
		if !ok {
			log.Fatal("store does not accept catalog records")
		}
		n, err := catalog.SeedFile(ctx, w, cfg.CatalogFile)
		if err != nil {
			log.WithError(err).WithField("file", cfg.CatalogFile).Fatal("seed catalog")
		}
		log.WithFields(log.Fields{"file": cfg.CatalogFile, "records": n}).Info("catalog seeded")
	}

	var (
		locker lock.Locker = lock.NewLocal()
		broker events.EventBroker
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("parse REDIS_URL")
		}
		rdb := redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.WithError(err).Fatal("redis ping")
		}
		locker = lock.NewRedis(rdb, "", cfg.Deploy.LockTTL)
		broker = events.NewRedisBroker(rdb, "", log.Log)
		log.Info("redis locks and event fan-out enabled")
	} else {
		broker = events.NewBroker()
	}

	publishers := fanout{broker}
	if cfg.Webhook.URL != "" {
		n := webhooks.NewNotifier(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Webhook.MaxAttempts, log.Log)
		n.Start()
		defer close(n.Stop)
		publishers = append(publishers, n)
	}

	client, err := platform.New(cfg.PlatformClient(), log.Log)
	if err != nil {
		log.WithError(err).Fatal("platform client")
	}
	if !client.Configured() {
		log.Warn("PLATFORM_BASE_URL is not set: deployments will fail and reconciliation is disabled")
	}
	naming := geosync.Naming{Friendly: cfg.Naming.Friendly, Prefix: cfg.Naming.Prefix, MaxLength: cfg.Naming.MaxLength}
	geom := geosync.New(st, client, geosync.Options{
		Naming:         naming,
		Budget:         cfg.Budget(),
		CircleSegments: cfg.Geometry.CircleSegments,
		MaxPoints:      cfg.Geometry.MaxPoints,
	}, log.Log)
	gs := groups.New(st, client, geom, naming, locker, log.Log)
	o := cfg.Overrides
	resolver, err := overrides.New(client, st, overrides.Config{
		DealerID:     o.DealerID,
		TemplateName: o.TemplateName,
		TemplateID:   o.TemplateID,
		SlotIDs: map[model.GroupRole]int64{
			model.RoleItinerary: o.ItinerarySlotID, model.RoleTargets: o.TargetsSlotID, model.RoleEntry: o.EntrySlotID,
		},
		LegacySlotID: o.LegacySlotID,
		Keys: map[model.GroupRole]string{
			model.RoleItinerary: o.ItineraryKey, model.RoleTargets: o.TargetsKey, model.RoleEntry: o.EntryKey,
		},
		SignatureSlotID:    o.SignatureSlotID,
		SignatureKey:       o.SignatureKey,
		PositionalFallback: o.PositionalFallback,
		CacheSize:          o.CacheSize,
	}, log.Log)
	if err != nil {
		log.WithError(err).Fatal("override resolver")
	}

	orch := deploy.New(st, client, gs, resolver, locker, publishers, deploy.Options{
		Workers:        cfg.Deploy.Workers,
		QueueSize:      cfg.Deploy.QueueSize,
		RolloutEnabled: cfg.Deploy.RolloutEnabled,
	}, log.Log)
	orch.Start(ctx)
	defer orch.Stop()

	if client.Configured() {
		poller := deploy.NewPoller(st, client, publishers, cfg.Deploy.PollInterval, cfg.Deploy.Timeout, log.Log)
		poller.InFlight = orch.InFlight
		poller.Start()
		defer close(poller.Stop)
	}

	srv := api.NewServer(st, orch, broker, log.Log)
	srv.Settings = settings(cfg)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", httpSrv.Addr).Info("fleetsync listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("server error")
	}
	log.Info("shutting down")
}

func setupLogging(cfg config.Config) {
	if cfg.LogFormat == "json" {
		log.SetHandler(jsonhandler.New(os.Stderr))
	} else {
		log.SetHandler(cli.Default)
	}
	if err := log.SetLevelFromString(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("invalid LOG_LEVEL, using info")
		log.SetLevel(log.InfoLevel)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	driver := strings.ToLower(cfg.Store.Driver)
	if driver == "" {
		driver = "memory"
		if cfg.DatabaseURL != "" {
			driver = "postgres"
		}
	}
	log.WithField("driver", driver).Info("store")
	switch driver {
	case "postgres":
		s, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "sqlite":
		s, err := store.NewSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

// settings is the redacted configuration served by /debug/info.
func settings(cfg config.Config) map[string]any {
	return map[string]any{
		"storeDriver":     cfg.Store.Driver,
		"platformBaseUrl": cfg.Platform.BaseURL,
		"authMode":        cfg.Platform.AuthMode,
		"dealerId":        cfg.Overrides.DealerID,
		"templateName":    cfg.Overrides.TemplateName,
		"rolloutEnabled":  cfg.Deploy.RolloutEnabled,
		"pollInterval":    cfg.Deploy.PollInterval.String(),
		"deployTimeout":   cfg.Deploy.Timeout.String(),
		"redis":           cfg.RedisURL != "",
		"webhook":         cfg.Webhook.URL != "",
	}
}

// fanout publishes each deployment event to every sink.
type fanout []deploy.Publisher

func (f fanout) Publish(evt model.DeploymentEvent) {
	for _, p := range f {
		p.Publish(evt)
	}
}
