package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Publish metrics
	PublishAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avadhi_publish_attempts_total",
			Help: "Total publish requests sent to the data endpoint, by outcome",
		},
		[]string{"outcome"},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "avadhi_publish_duration_seconds",
			Help:    "Publish request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SpansPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "avadhi_spans_published_total",
			Help: "Total daily spans accepted by the data endpoint",
		},
	)

	// Auth metrics
	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avadhi_token_refreshes_total",
			Help: "Token refresh exchanges, by result",
		},
		[]string{"result"},
	)

	// Run metrics
	SyncRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avadhi_sync_runs_total",
			Help: "Completed sync runs, by result",
		},
		[]string{"result"},
	)

	LastFinalizedDate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "avadhi_last_finalized_date_seconds",
			Help: "Unix time of midnight UTC of the last finalized synced date",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PublishAttemptsTotal,
		PublishDuration,
		SpansPublishedTotal,
		TokenRefreshesTotal,
		SyncRunsTotal,
		LastFinalizedDate,
	)
}

// WriteTextfile dumps the default registry in the node_exporter textfile
// collector format. Used by one-shot runs that exit before a scrape.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
