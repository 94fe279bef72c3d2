// Package supervisor wires every component into a running service and
// owns its lifecycle: construction order, HTTP server startup, and
// graceful shutdown on SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/adelard07/cloud-logging/internal/auth"
	"github.com/adelard07/cloud-logging/internal/coldstore"
	"github.com/adelard07/cloud-logging/internal/config"
	"github.com/adelard07/cloud-logging/internal/crypto"
	"github.com/adelard07/cloud-logging/internal/ingest"
	"github.com/adelard07/cloud-logging/internal/metrics"
	"github.com/adelard07/cloud-logging/internal/migrate"
	"github.com/adelard07/cloud-logging/internal/model"
	"github.com/adelard07/cloud-logging/internal/pipeline"
	"github.com/adelard07/cloud-logging/internal/readapi"
	"github.com/adelard07/cloud-logging/internal/stagingcache"
	"github.com/adelard07/cloud-logging/internal/tenant"
	"github.com/adelard07/cloud-logging/pkg/circuit"
	"github.com/adelard07/cloud-logging/pkg/dlq"
	"github.com/adelard07/cloud-logging/pkg/hotreload"
	"github.com/adelard07/cloud-logging/pkg/tracing"
)

// Supervisor owns construction and lifecycle of every component that
// makes up the running service.
type Supervisor struct {
	config *config.Config
	logger *logrus.Logger

	pgPool   *pgxpool.Pool
	coldConn *sql.DB

	registry      *tenant.Registry
	cold          *coldstore.Store
	stage         *stagingcache.Cache
	breaker       *circuit.Breaker
	deadLetter    *dlq.DeadLetterQueue
	reloadableKey *crypto.ReloadableKeySource
	reloader      *hotreload.Reloader
	tracer        *tracing.Manager

	httpServer    *http.Server
	metricsServer *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads configuration, builds every component, and provisions
// schema. Construction failure here is startup-blocking: the process
// should not run with a partially-wired dependency graph.
func New(configFile string) (*Supervisor, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load config: %w", err)
	}

	logger := newLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())

	s := &Supervisor{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := s.initComponents(); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

func newLogger(level, format string) *logrus.Logger {
	logger := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func (s *Supervisor) initComponents() error {
	if err := s.initCrypto(); err != nil {
		return err
	}
	if err := s.initTenantRegistry(); err != nil {
		return err
	}
	if err := s.initColdStore(); err != nil {
		return err
	}
	s.initStagingCache()
	s.initCircuitBreaker()
	s.initDeadLetterQueue()
	if err := s.initTracing(); err != nil {
		return err
	}
	if err := s.runMigrations(); err != nil {
		return err
	}
	s.initHTTPServer()
	s.initMetricsServer()
	if err := s.initReloader(); err != nil {
		return err
	}
	return nil
}

func (s *Supervisor) initCrypto() error {
	key, err := crypto.NewReloadableKeySource([]byte(s.config.Crypto.SecretKey))
	if err != nil {
		return fmt.Errorf("supervisor: init crypto: %w", err)
	}
	s.reloadableKey = key
	return nil
}

func (s *Supervisor) initTenantRegistry() error {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		s.config.Database.Host, s.config.Database.Port, s.config.Database.Name,
		s.config.Database.User, s.config.Database.Password)

	pool, err := pgxpool.New(s.ctx, dsn)
	if err != nil {
		return fmt.Errorf("supervisor: open tenant registry pool: %w", err)
	}
	s.pgPool = pool
	s.registry = tenant.New(pool, s.config.Database.CacheTTL)
	return nil
}

func (s *Supervisor) initColdStore() error {
	s.coldConn = coldstore.OpenDB(coldstore.Config{
		Host:     s.config.ColdStore.Host,
		Database: s.config.ColdStore.Database,
		Username: s.config.ColdStore.Username,
		Password: s.config.ColdStore.Password,
		Secure:   s.config.ColdStore.Secure,
	})
	s.cold = coldstore.New(s.coldConn)
	return nil
}

func (s *Supervisor) initStagingCache() {
	s.stage = stagingcache.NewFromConfig(stagingcache.Config{
		Host:     s.config.Staging.Host,
		Port:     s.config.Staging.Port,
		Username: s.config.Staging.Username,
		Password: s.config.Staging.Password,
		DB:       s.config.Staging.DB,
	})
}

func (s *Supervisor) initCircuitBreaker() {
	s.breaker = circuit.NewBreaker(circuit.BreakerConfig{
		Name:             "coldstore",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
		ResetTimeout:     time.Minute,
	}, s.logger)
}

func (s *Supervisor) initDeadLetterQueue() {
	s.deadLetter = dlq.New(dlq.Config{
		Enabled:           s.config.DeadLetter.Enabled,
		Directory:         s.config.DeadLetter.Directory,
		QueueSize:         s.config.DeadLetter.QueueSize,
		FlushInterval:     s.config.DeadLetter.FlushInterval,
		ReprocessInterval: s.config.DeadLetter.ReprocessInterval,
		MaxReprocessTries: s.config.DeadLetter.MaxReprocessTries,
	}, s.logger)
}

func (s *Supervisor) initTracing() error {
	manager, err := tracing.New(tracing.Config{
		Enabled:        s.config.Tracing.Enabled,
		ServiceName:    s.config.Tracing.ServiceName,
		ServiceVersion: s.config.Tracing.ServiceVersion,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("supervisor: init tracing: %w", err)
	}
	s.tracer = manager
	return nil
}

func (s *Supervisor) runMigrations() error {
	migrator := migrate.New(s.coldConn, s.pgPool, s.logger)
	return migrator.Run(s.ctx)
}

// wireDeadLetterReprocessing gives the dead letter queue's background
// reprocessing loop a way to retry a spilled batch against ColdStore
// directly, bypassing the circuit breaker (the breaker already gated
// the commit that originally spilled the batch).
func (s *Supervisor) wireDeadLetterReprocessing() {
	s.deadLetter.SetReprocessCallback(func(ctx context.Context, batch []model.StagedEntry) error {
		rows := make([]model.ColdRow, 0, len(batch))
		for _, entry := range batch {
			row, err := model.ColdRowFromRecord(entry.RecordID, entry.Record)
			if err != nil {
				continue
			}
			rows = append(rows, row)
		}
		inserted, err := s.cold.Insert(ctx, rows)
		if err != nil {
			return err
		}
		if inserted != len(rows) {
			return fmt.Errorf("supervisor: dlq reprocess inserted %d of %d rows", inserted, len(rows))
		}
		return nil
	})
}

func (s *Supervisor) initHTTPServer() {
	s.wireDeadLetterReprocessing()

	authenticator := auth.New(crypto.New(s.reloadableKey), s.registry)

	pipelineCfg := pipeline.Config{
		LocalThreshold: s.config.Pipeline.LocalThreshold,
		StageThreshold: s.config.Pipeline.StageThreshold,
		DLQFailStreak:  s.config.Pipeline.DLQFailStreak,
	}
	pipe := pipeline.New(pipelineCfg, s.logger, s.stage, s.cold, s.breaker, s.deadLetter, s.tracer.Tracer())

	ingestHandler := ingest.New(authenticator, pipe, s.logger)
	readAPI := readapi.New(authenticator, s.cold)
	readHandler := readapi.NewHandler(readAPI)

	router := mux.NewRouter()
	router.Handle("/logging/ingest", ingestHandler).Methods(http.MethodPost)
	router.HandleFunc("/logs/get", readHandler.List).Methods(http.MethodGet)
	router.HandleFunc("/logs/export", readHandler.Export).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.HTTP.Port),
		Handler: router,
	}
}

func (s *Supervisor) initMetricsServer() {
	s.metricsServer = metrics.NewServer(fmt.Sprintf(":%d", s.config.Metrics.Port), s.logger)
}

// initReloader wires the AES key to the config file's hot-reload
// watcher: each reload of the on-disk config calls Rotate with the
// reloaded config's AES key. That key comes from the AES_SECRET_KEY
// environment variable, never from the file, so a file change re-applies
// the process's current key rather than a new one.
func (s *Supervisor) initReloader() error {
	reloader, err := hotreload.New(s.config.App.ConfigFile, s.logger, func(cfg *config.Config) error {
		return s.reloadableKey.Rotate([]byte(cfg.Crypto.SecretKey))
	})
	if err != nil {
		return fmt.Errorf("supervisor: init config reloader: %w", err)
	}
	s.reloader = reloader
	return nil
}

// Start launches the metrics server, dead letter queue, and HTTP server.
// The HTTP server runs in a background goroutine; errors surface through
// the logger rather than this call, matching the original's detached
// listen loop.
func (s *Supervisor) Start() error {
	s.logger.Info("supervisor: starting")

	s.metricsServer.Start()

	if err := s.deadLetter.Start(); err != nil {
		return fmt.Errorf("supervisor: start dead letter queue: %w", err)
	}

	if err := s.reloader.Start(); err != nil {
		return fmt.Errorf("supervisor: start config reloader: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("addr", s.httpServer.Addr).Info("supervisor: starting http server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("supervisor: http server error")
		}
	}()

	s.logger.Info("supervisor: started")
	return nil
}

// Stop performs graceful shutdown: cancel the root context, drain the
// HTTP server within the configured shutdown timeout, then close every
// component holding external connections.
func (s *Supervisor) Stop() error {
	s.logger.Info("supervisor: stopping")
	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.App.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("supervisor: http server shutdown error")
	}

	s.reloader.Stop()
	s.deadLetter.Stop()

	if err := s.tracer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("supervisor: tracer shutdown error")
	}

	if err := s.metricsServer.Stop(); err != nil {
		s.logger.WithError(err).Error("supervisor: metrics server shutdown error")
	}

	if err := s.cold.Close(); err != nil {
		s.logger.WithError(err).Error("supervisor: coldstore close error")
	}
	if err := s.stage.Close(); err != nil {
		s.logger.WithError(err).Error("supervisor: staging cache close error")
	}
	s.registry.Close()

	s.wg.Wait()
	s.logger.Info("supervisor: stopped")
	return nil
}

// Run starts the supervisor and blocks until SIGINT/SIGTERM, then stops
// it gracefully.
func (s *Supervisor) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	s.logger.Info("supervisor: shutdown signal received")

	return s.Stop()
}
