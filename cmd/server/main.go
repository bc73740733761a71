package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/technosupport/ts-devicehub/internal/adapters"
	"github.com/technosupport/ts-devicehub/internal/api"
	"github.com/technosupport/ts-devicehub/internal/bus"
	"github.com/technosupport/ts-devicehub/internal/config"
	"github.com/technosupport/ts-devicehub/internal/crypto"
	"github.com/technosupport/ts-devicehub/internal/data"
	"github.com/technosupport/ts-devicehub/internal/devices"
	"github.com/technosupport/ts-devicehub/internal/events"
	"github.com/technosupport/ts-devicehub/internal/health"
	"github.com/technosupport/ts-devicehub/internal/keylock"
	"github.com/technosupport/ts-devicehub/internal/live"
	"github.com/technosupport/ts-devicehub/internal/logging"
	"github.com/technosupport/ts-devicehub/internal/query"
	"github.com/technosupport/ts-devicehub/internal/sessions"
	"github.com/technosupport/ts-devicehub/internal/supervisor"
	"github.com/technosupport/ts-devicehub/internal/ws"
)

func main() {
	cfgFlag := flag.String("config", "", "path to YAML config (default $DEVICEHUB_CONFIG or config/default.yaml)")
	flag.Parse()

	// 1. Config
	path := config.ResolvePath(*cfgFlag)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
		Output: os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, path); err != nil {
		logging.Fatal().Err(err).Msg("devicehub exited")
	}
}

func run(ctx context.Context, cfg *config.Config, cfgPath string) error {
	log := logging.Component("main")
	log.Info().Str("addr", cfg.Server.Addr).Str("config", cfgPath).Msg("starting devicehub")

	// 2. Persistence (optional)
	var (
		store  devices.Store
		evLog  events.Log = events.NewMemoryLog(cfg.Events.MemoryRetention)
		closer []func()
	)
	defer func() {
		for i := len(closer) - 1; i >= 0; i-- {
			closer[i]()
		}
	}()

	if cfg.Database.DSN != "" {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		closer = append(closer, func() { db.Close() })
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping database: %w", err)
		}

		model := &data.DeviceModel{DB: db}
		if cfg.Crypto.Keys != "" {
			kr := crypto.NewKeyring()
			if err := kr.Load(cfg.Crypto.Keys, cfg.Crypto.ActiveKID); err != nil {
				return fmt.Errorf("load keyring: %w", err)
			}
			model.Sealer = kr
		} else {
			log.Warn().Msg("no crypto keys configured, device passwords will not be persisted")
		}
		store = model
		evLog = &data.EventModel{DB: db}
		log.Info().Msg("postgres persistence enabled")
	} else {
		log.Info().Msg("no database configured, state is in-memory")
	}

	// 3. Device registry
	locks := keylock.New()
	var regOpts []devices.Option
	if store != nil {
		regOpts = append(regOpts, devices.WithStore(store))
	}
	reg := devices.NewRegistry(locks, regOpts...)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	if cfg.Devices.SeedFile != "" {
		n, err := reg.SeedFile(ctx, cfg.Devices.SeedFile)
		if err != nil {
			return fmt.Errorf("seed devices: %w", err)
		}
		log.Info().Int("added", n).Str("file", cfg.Devices.SeedFile).Msg("device seed applied")
	}

	// 4. Protocol adapters
	adapterOpts := adapters.Options{
		Timeout: cfg.Adapters.Timeout,
		SIP: adapters.SIPOptions{
			LocalID:    cfg.Adapters.SIP.LocalID,
			LocalIP:    cfg.Adapters.SIP.LocalIP,
			LocalPort:  cfg.Adapters.SIP.LocalPort,
			RTPPortMin: cfg.Adapters.SIP.RTPPortMin,
			RTPPortMax: cfg.Adapters.SIP.RTPPortMax,
		},
	}
	byProto, err := adapters.Build(adapterOpts)
	if err != nil {
		return err
	}
	set := adapters.NewSet(byProto, adapterOpts, adapters.BreakerSettings{
		FailureThreshold: cfg.Adapters.BreakerThreshold,
		OpenTimeout:      cfg.Adapters.BreakerOpen,
	})

	// 5. Sessions and events
	mgr := sessions.NewManager(locks, reg, set, sessions.Options{
		AllowShared:       cfg.Sessions.AllowShared,
		DisconnectTimeout: cfg.Sessions.DisconnectTimeout,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := mgr.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("session shutdown incomplete")
		}
	}()

	evs := events.NewService(evLog, reg, events.Options{
		Retention:  cfg.Events.Retention,
		ExtraTypes: cfg.Events.ExtraTypes,
		DedupSize:  cfg.Events.DedupSize,
		DedupTTL:   cfg.Events.DedupTTL,
	})
	if err := evs.Warm(ctx); err != nil {
		return fmt.Errorf("warm statistics: %w", err)
	}

	q := &query.Facade{Devices: reg, Sessions: mgr, Events: evs}

	// 6. Redis live cache (optional)
	var cache *live.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closer = append(closer, func() { rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		cache = live.NewCache(rdb)
		mgr.SetFrameSink(cache)
		evs.AddSink(cache)
		q.Latest = cache
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis live cache enabled")
	}

	// 7. Websocket hub
	hub := ws.NewHub(cfg.Server.CORSOrigins)
	evs.AddSink(hub)
	mgr.OnTransition(func(tr sessions.Transition) {
		hub.Broadcast(ws.MessageTypeSessionState, tr)
	})

	// 8. NATS bus (optional)
	var (
		pub *bus.Publisher
		sub *bus.Subscriber
	)
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("ts-devicehub"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		closer = append(closer, func() { _ = nc.Drain() })
		pub = bus.NewPublisher(nc, cfg.NATS.SubjectPrefix, cfg.NATS.PublishRetries)
		evs.AddSink(pub)
		sub = bus.NewSubscriber(nc, evs, bus.SubscriberConfig{
			Subject:  cfg.NATS.IngestSubject,
			RatePerS: cfg.NATS.IngestRate,
			Burst:    cfg.NATS.IngestBurst,
		})
		log.Info().Str("url", cfg.NATS.URL).Msg("nats bus enabled")
	}

	reg.OnStatusChange(func(c devices.StatusChange) {
		hub.Broadcast(ws.MessageTypeDeviceStatus, c)
		if pub != nil {
			pubCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := pub.PublishStatus(pubCtx, bus.StatusMessage{
				DeviceID: c.DeviceID, From: c.From, To: c.To, At: c.At,
			}); err != nil {
				log.Warn().Err(err).Str("device_id", c.DeviceID).Msg("status publish failed")
			}
		}
	})

	// 9. Liveness
	hs := health.NewService(reg, set)
	q.Health = hs
	sched := health.NewScheduler(health.SchedulerConfig{
		Interval:       cfg.Health.Interval,
		WorkerPoolSize: cfg.Health.Workers,
		MaxJitter:      cfg.Health.MaxJitter,
	}, hs)

	reg.OnRemove(func(id string) {
		mgr.ForceClose(id)
		set.Breakers().Forget(id)
		hs.Forget(id)
		if cache != nil {
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := cache.Forget(fctx, id); err != nil {
				log.Warn().Err(err).Str("device_id", id).Msg("live cache cleanup failed")
			}
		}
	})

	// 10. HTTP
	var frames api.FrameReader
	if cache != nil {
		frames = cache
	}
	router := api.NewRouter(api.RouterConfig{
		AllowedOrigins: cfg.Server.CORSOrigins,
		RateLimit:      cfg.Server.RateLimit,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, api.Handlers{
		Devices: api.NewDeviceHandler(reg, hs, q),
		Streams: api.NewStreamHandler(mgr, q, frames),
		Events:  api.NewEventHandler(evs, q),
		WS:      hub,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	// 11. Supervisor tree
	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	tree := supervisor.NewTree(logging.NewSlogLogger(logging.Component("supervisor")), treeCfg)

	tree.AddCore(sched)
	if _, err := os.Stat(cfgPath); err == nil {
		tree.AddCore(config.NewWatcher(cfgPath, func(next *config.Config) {
			logging.SetLevel(next.Log.Level)
			sched.SetInterval(next.Health.Interval)
			log.Info().Str("level", next.Log.Level).Dur("health_interval", next.Health.Interval).Msg("config reloaded")
		}))
	}
	tree.AddMessaging(hub)
	if sub != nil {
		tree.AddMessaging(sub)
	}
	tree.AddAPI(supervisor.NewHTTPService(srv, cfg.Server.ShutdownTimeout))

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		log.Warn().Int("count", len(report)).Msg("services did not stop in time")
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info().Msg("devicehub stopped")
	return nil
}
