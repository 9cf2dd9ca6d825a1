package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync counters. Incremented by the socket client, fetcher, and
// reconciler; absence of a metrics listener never affects sync behavior.
var (
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeyard_sync_events_applied_total",
		Help: "Push/pull events merged into local state, by kind.",
	}, []string{"kind"})

	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeyard_sync_duplicates_dropped_total",
		Help: "Events whose merge was a no-op (duplicate delivery).",
	})

	MutationsBuffered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeyard_sync_mutations_buffered_total",
		Help: "Edit/delete events buffered because the base message was missing.",
	})

	MutationsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeyard_sync_mutations_replayed_total",
		Help: "Buffered mutations replayed after the base message arrived.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeyard_sync_reconnects_total",
		Help: "Push channel reconnection attempts.",
	})

	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeyard_sync_fetches_total",
		Help: "Pull snapshot fetches, by resource.",
	}, []string{"resource"})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeyard_sync_connection_state",
		Help: "Push channel state: 0 disconnected, 1 connecting, 2 connected, 3 pull-only.",
	})
)

// Serve runs the metrics/health listener until ctx is cancelled. Returns
// nil when addr is empty.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listener starting", slog.String("addr", addr))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
