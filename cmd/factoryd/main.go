// Command factoryd runs the strategy deployment factory: the HTTP surface
// for C2 (balance ledger) and C4 (deployment state machine), backed by
// Postgres, with C6 (the reconciler) running as a background ticker loop.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	infradb "github.com/hunterfi/factory/infrastructure/database"
	"github.com/hunterfi/factory/infrastructure/metrics"
	"github.com/hunterfi/factory/packages/external"
	"github.com/hunterfi/factory/packages/factory"
	"github.com/hunterfi/factory/packages/ledger"
	"github.com/hunterfi/factory/packages/reconciler"
	"github.com/hunterfi/factory/packages/refund"
	"github.com/hunterfi/factory/packages/registry"
	"github.com/hunterfi/factory/pkg/config"
	"github.com/hunterfi/factory/pkg/logger"
)

func main() {
	inMemory := flag.Bool("in-memory", false, "use an in-memory record store instead of Postgres (local/dev only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	var store registry.Store
	var db *sql.DB

	if *inMemory {
		appLogger.Warn("running with an in-memory record store; records do not survive a restart")
		store = registry.NewMemoryStore()
	} else {
		db, err = sql.Open(cfg.Database.Driver, cfg.Database.ConnectionString())
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		if cfg.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
		}

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			log.Fatalf("connect to database: %v", err)
		}

		if cfg.Database.ApplySchema {
			schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = infradb.ApplySchema(schemaCtx, db)
			schemaCancel()
			if err != nil {
				log.Fatalf("apply schema: %v", err)
			}
		}

		store = registry.NewPostgresStore(db)
		defer db.Close()
	}

	computeBaseURL := strings.TrimSpace(os.Getenv("COMPUTE_BACKEND_URL"))
	tokenLedgerBaseURL := strings.TrimSpace(os.Getenv("TOKEN_LEDGER_URL"))

	var computeClient external.ComputeClient
	var tokenClient external.TokenLedgerClient
	if computeBaseURL == "" || tokenLedgerBaseURL == "" {
		appLogger.Warn("COMPUTE_BACKEND_URL or TOKEN_LEDGER_URL not set; using in-memory fakes for external services")
		computeClient = external.NewFakeComputeClient()
		tokenClient = external.NewFakeTokenLedgerClient()
	} else {
		computeClient = external.NewHTTPComputeClient(computeBaseURL, nil, appLogger)
		tokenClient = external.NewHTTPTokenLedgerClient(tokenLedgerBaseURL, nil, appLogger)
	}

	retryPolicy := external.RetryPolicy{
		MaxAttempts: cfg.Factory.MaxExternalCallRetries,
		Backoff:     external.DefaultRetryPolicy.Backoff,
	}
	ledgerSvc := ledger.New(store, appLogger)
	ledgerSvc.SetTokenClient(tokenClient, retryPolicy)
	factorySvc := factory.New(store, ledgerSvc, computeClient, tokenClient, cfg.Factory.DeploymentFeeE8s, retryPolicy, appLogger)
	refundSvc := refund.New(store, ledgerSvc, cfg.Factory.MaxRefundAttempts, appLogger)
	factorySvc.SetRefundProcessor(refundSvc)
	reconcilerSvc := reconciler.New(store, refundSvc, reconciler.Config{
		ReconcileInterval: cfg.Factory.ReconcileInterval,
		ArchiveInterval:   cfg.Factory.ArchiveSweepInterval,
		StageTimeouts:     cfg.Factory.StageTimeouts,
		RetentionPeriod:   cfg.Factory.RetentionPeriod,
	}, appLogger)

	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	// Spec §5: post-upgrade (here, post-restart) the factory asynchronously
	// re-invokes process_refund for every DeploymentFailed and Refunding
	// record left over from before the process stopped. ReconcileOnce now
	// scans both statuses, so a single upfront pass covers the sweep.
	go func() {
		if err := reconcilerSvc.ReconcileOnce(reconcileCtx); err != nil {
			appLogger.WithError(err).Warn("startup refund sweep failed")
		}
	}()
	if err := reconcilerSvc.Start(reconcileCtx); err != nil {
		log.Fatalf("start reconciler: %v", err)
	}

	metricsCollector := metrics.Init("factoryd")

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", healthHandler(factorySvc, reconcilerSvc)).Methods(http.MethodGet)

	factoryHandler := factory.NewHTTPHandler(factorySvc, refundSvc, ledgerSvc)
	ledgerHandler := ledger.NewHTTPHandler(ledgerSvc)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(instrumentRequests(metricsCollector))
	api.PathPrefix("/ledger").HandlerFunc(ownerScoped("/api/v1/ledger", ledgerHandler.Handle))
	api.PathPrefix("/factory").HandlerFunc(ownerScoped("/api/v1/factory", factoryHandler.Handle))

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		appLogger.Infof("factoryd listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	appLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Errorf("http shutdown: %v", err)
	}
	if err := reconcilerSvc.Stop(shutdownCtx); err != nil {
		appLogger.Errorf("reconciler shutdown: %v", err)
	}
	stopReconciler()
}

// ownerScoped adapts a packages/*.HTTPHandler.Handle method, which expects a
// caller identity and a pre-split path tail, onto mux's raw
// http.HandlerFunc signature. Owner identity comes from X-Owner-Id, the
// factory's stand-in for the gateway's JWT-derived principal — factoryd has
// no identity provider of its own and is meant to sit behind one.
func ownerScoped(prefix string, handle func(http.ResponseWriter, *http.Request, string, []string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get("X-Owner-Id"))
		if owner == "" {
			http.Error(w, `{"error":"X-Owner-Id header is required"}`, http.StatusUnauthorized)
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, prefix)
		tail = strings.Trim(tail, "/")
		var rest []string
		if tail != "" {
			rest = strings.Split(tail, "/")
		}
		handle(w, r, owner, rest)
	}
}

func instrumentRequests(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncrementInFlight()
			defer m.DecrementInFlight()
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.RecordHTTPRequest("factoryd", r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func healthHandler(factorySvc *factory.Service, reconcilerSvc *reconciler.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := factorySvc.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := reconcilerSvc.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
