// Command coordinator runs the fleet coordination service: telemetry
// ingestion and anomaly detection, the event pipeline, emergency
// protocols, and the realtime websocket fanout.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"skyfleet/pkg/auth"
	"skyfleet/pkg/circuitbreaker"
	"skyfleet/pkg/commands"
	"skyfleet/pkg/config"
	"skyfleet/pkg/database"
	"skyfleet/pkg/emergency"
	"skyfleet/pkg/eventbus"
	"skyfleet/pkg/events"
	"skyfleet/pkg/eventstore"
	"skyfleet/pkg/fanout"
	"skyfleet/pkg/httpapi"
	otelobs "skyfleet/pkg/observability/otel"
	"skyfleet/pkg/ratelimit"
	"skyfleet/pkg/telemetry"
)

const serviceName = "coordinator"

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})).With("service", serviceName)
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otelobs.InitTracer(serviceName)
	defer shutdownTracer(context.Background())

	// Storage. Without a configured database the coordinator runs on
	// in-memory stores, which is enough for dev and tests.
	var (
		eventStore eventstore.Store  = eventstore.NewMemoryStore()
		emStore    emergency.Store   = emergency.NewMemoryStore()
		tstore     telemetry.SampleStore
	)
	if host := config.Get("DATABASE_HOST", ""); host != "" {
		db, err := database.Open(ctx, database.Config{
			Host:     host,
			Port:     config.GetInt("DATABASE_PORT", 5432),
			User:     config.Get("DATABASE_USER", "skyfleet"),
			Password: config.Get("DATABASE_PASSWORD", ""),
			DBName:   config.Get("DATABASE_NAME", "skyfleet"),
			SSLMode:  config.Get("DATABASE_SSLMODE", "disable"),
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := database.Migrate(db, config.Get("DATABASE_NAME", "skyfleet")); err != nil {
			return err
		}
		eventStore = eventstore.NewPostgresStore(db, log)
		emStore = emergency.NewPostgresStore(db)
		tstore = telemetry.NewPostgresStore(db)
		log.Info("postgres connected", "host", host)
	} else {
		log.Warn("no DATABASE_HOST configured, using in-memory stores")
	}

	// Redis carries the outbound command streams plus the hot-read
	// caches. Without it commands are recorded in memory only.
	ingestCapacity := int64(config.GetInt("INGEST_RATE_CAPACITY", 120))
	ingestRefill := int64(config.GetInt("INGEST_RATE_REFILL", 120))
	ingestInterval := config.GetDuration("INGEST_RATE_INTERVAL", time.Minute)

	var (
		cmdPublisher commands.Publisher    = commands.NewMemoryPublisher()
		emCache      emergency.Cache
		tcache       telemetry.LatestCache
		limiter      ratelimit.Limiter     = ratelimit.NewMemoryLimiter(ingestCapacity, ingestRefill, ingestInterval)
	)
	if addr := config.Get("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.Get("REDIS_PASSWORD", ""),
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		cmdPublisher = commands.WithBreaker(commands.NewRedisPublisher(rdb), circuitbreaker.Settings{
			Timeout: config.GetDuration("COMMAND_BREAKER_TIMEOUT", 30*time.Second),
		}, log)
		emCache = emergency.NewRedisCache(rdb, config.GetDuration("EMERGENCY_CACHE_TTL", time.Hour))
		tcache = telemetry.NewRedisCache(rdb, config.GetDuration("TELEMETRY_CACHE_TTL", 5*time.Minute))
		limiter = ratelimit.NewRedisLimiter(rdb, ingestCapacity, ingestRefill, ingestInterval, "ratelimit:ingest")
		log.Info("redis connected", "addr", addr)
	} else {
		log.Warn("no REDIS_ADDR configured, command streams disabled")
	}

	verifier := auth.NewVerifier(
		config.Get("JWT_SECRET", "dev-secret-change-me"),
		config.GetDuration("JWT_TTL", 24*time.Hour),
	)

	hub := fanout.NewHub(cmdPublisher, log)
	bus := eventbus.New(eventStore, hub, eventbus.NewLogNotifier(log), log,
		eventbus.WithHandlerTimeout(config.GetDuration("HANDLER_TIMEOUT", 5*time.Second)))

	emService := emergency.NewService(emStore, emCache, bus, log)
	engine := emergency.NewEngine(emStore, bus, cmdPublisher, log)
	registerDefaultHandlers(bus, log)

	processor := telemetry.NewProcessor(telemetry.ProcessorConfig{
		Bus:      bus,
		Store:    tstore,
		Cache:    tcache,
		Realtime: hub,
		Logger:   log,
		Shards:   config.GetInt("TELEMETRY_SHARDS", 8),
		Buffer:   config.GetInt("TELEMETRY_BUFFER", 64),
	})
	defer processor.Close()

	api := httpapi.New(httpapi.Config{
		Bus:         bus,
		EventStore:  eventStore,
		Processor:   processor,
		Emergencies: emService,
		Engine:      engine,
		Hub:         hub,
		Verifier:    verifier,
		Limiter:     limiter,
		Logger:      log,
	})

	addr := ":" + config.Get("PORT", "8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelobs.AccessLogMiddleware(log, api.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// registerDefaultHandlers wires the standing event reactions that feed
// the on-call log stream.
func registerDefaultHandlers(bus *eventbus.Bus, log *slog.Logger) {
	bus.RegisterHandler(events.TypeBatteryLow, func(ctx context.Context, ev events.Event) error {
		if ev.Severity != events.SeverityCritical {
			return nil
		}
		log.Warn("critical battery event",
			"event_id", ev.ID, "drone_id", ev.Data["droneId"], "battery", ev.Data["batteryLevel"])
		return nil
	})
	bus.RegisterHandler(events.TypeEmergencyAlert, func(ctx context.Context, ev events.Event) error {
		if ev.Severity.AtLeast(events.SeverityError) {
			log.Error("emergency escalation",
				"event_id", ev.ID, "emergency_id", ev.Data["emergencyId"], "drone_id", ev.Data["droneId"])
		}
		return nil
	})
	bus.RegisterHandler(events.TypeAirspaceViolation, func(ctx context.Context, ev events.Event) error {
		log.Warn("airspace violation",
			"event_id", ev.ID, "drone_id", ev.Data["droneId"], "altitude", ev.Data["altitude"])
		return nil
	})
}
