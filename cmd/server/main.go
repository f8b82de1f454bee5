// Command server wires the registration orchestrator: Redis-backed session
// store, remote entity-store clients, the event fan-out worker, and the HTTP
// surface. Business logic lives in the internal packages; main only
// assembles and supervises.
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

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"enrolld/internal/entitystore"
	"enrolld/internal/events"
	jwttoken "enrolld/internal/jwt_token"
	"enrolld/internal/platform/config"
	"enrolld/internal/platform/httpserver"
	"enrolld/internal/platform/logger"
	"enrolld/internal/platform/metrics"
	"enrolld/internal/platform/middleware"
	platformredis "enrolld/internal/platform/redis"
	"enrolld/internal/registration/handler"
	"enrolld/internal/registration/sequencer"
	"enrolld/internal/registration/service"
	"enrolld/internal/registration/statemachine"
	"enrolld/internal/registration/store"
	"enrolld/internal/registration/validate"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(slog.LevelInfo)
	slog.SetDefault(log)
	m := metrics.New()

	// Session store: Redis in production, memory when unconfigured (local
	// development only; no durability).
	var sessions store.SessionStore
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		sessions = store.NewRedis(redisClient.Client)
		log.Info("session store: redis")
	} else {
		sessions = store.NewMemory()
		log.Warn("session store: in-memory, sessions will not survive restarts")
	}

	// Remote entity platform clients, one per business domain.
	entityClient := entitystore.New(cfg.EntityStore, entitystore.WithLogger(log))
	steps := sequencer.BuildSteps(
		entitystore.NewPersonClient(entityClient),
		entitystore.NewAddressClient(entityClient),
		entitystore.NewContactClient(entityClient),
		entitystore.NewIdentityClient(entityClient),
		entitystore.NewEducationClient(entityClient),
		entitystore.NewMembershipClient(entityClient),
		entitystore.NewPreferencesClient(entityClient),
	)

	// Lifecycle event subscribers. Each is optional; a missing backend just
	// drops that sink.
	var subscribers []events.Subscriber
	kafkaPub, err := events.NewKafkaPublisher(cfg.Kafka)
	if err != nil {
		return err
	}
	if kafkaPub != nil {
		defer kafkaPub.Close()
		subscribers = append(subscribers, kafkaPub)
		log.Info("event sink: kafka", "topic", cfg.Kafka.Topic)
	}
	auditSink, err := events.NewPostgresSink(cfg.AuditDSN)
	if err != nil {
		return err
	}
	if auditSink != nil {
		defer auditSink.Close()
		if err := auditSink.EnsureSchema(context.Background()); err != nil {
			return err
		}
		subscribers = append(subscribers, auditSink)
		log.Info("event sink: postgres audit")
	}
	subscribers = append(subscribers, events.NewEmailNotifier(events.LogSender{Logger: log}))

	dispatcher := events.NewDispatcher(subscribers, events.WithLogger(log))

	seq := sequencer.New(sessions, m, steps, sequencer.WithLogger(log))
	svc := service.New(sessions, statemachine.New(), validate.New(), seq, dispatcher, m,
		service.WithLogger(log),
		service.WithTTLs(cfg.ApprovalTTL, cfg.PaymentTTL),
	)

	tokens := jwttoken.NewService(cfg.JWTSigningKey, "enrolld", "enrolld")
	guard := middleware.RequireCapability(jwttoken.NewAdapter(tokens), handler.RoleApprover, log)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.LatencyMiddleware(m),
		middleware.Timeout(30*time.Second),
		middleware.ContentTypeJSON,
	)
	handler.New(svc, log, guard).Register(router)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting enrolld", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := dispatcher.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Storage reclamation. Correctness never depends on this loop; lazy
	// expiry already hides stale sessions from readers.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := svc.Sweep(ctx); err != nil {
					log.Warn("expiry sweep failed", "error", err.Error())
				}
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
