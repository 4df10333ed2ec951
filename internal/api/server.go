package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe/internal/config"
	"github.com/snarg/audioscribe/internal/metrics"
	"github.com/snarg/audioscribe/internal/storage"
)

// ServerOptions carries the dependencies of the HTTP surface.
type ServerOptions struct {
	Config    *config.Config
	DB        HealthChecker
	Records   TranscriptionReader
	Submitter Submitter
	Audio     storage.AudioStore
	Live      LiveDataSource
	Queue     QueueStatsSource
	MQTT      ConnChecker // nil when MQTT is not configured
	Backend   string
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := NewRouter(opts)

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// NewRouter builds the chi router with all middleware and routes.
func NewRouter(opts ServerOptions) chi.Router {
	cfg := opts.Config
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORSWithOrigins(cfg.CORSOriginList()))
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(opts.DB, opts.MQTT, opts.Live, opts.Queue, opts.Backend, opts.Version, opts.StartTime)
	r.Get("/health", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	transcriptions := NewTranscriptionsHandler(opts.Records, opts.Submitter, opts.Audio, cfg.MaxUploadMB)
	transcriptions.Routes(r)
	r.Group(func(r chi.Router) {
		if cfg.UploadRPS > 0 {
			r.Use(RateLimiter(cfg.UploadRPS, cfg.UploadBurst))
		}
		transcriptions.UploadRoutes(r)
	})

	NewEventsHandler(opts.Live).Routes(r)
	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
