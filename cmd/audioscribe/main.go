package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/audioscribe"
	"github.com/snarg/audioscribe/internal/api"
	"github.com/snarg/audioscribe/internal/config"
	"github.com/snarg/audioscribe/internal/database"
	"github.com/snarg/audioscribe/internal/ingest"
	"github.com/snarg/audioscribe/internal/metrics"
	"github.com/snarg/audioscribe/internal/mqttclient"
	"github.com/snarg/audioscribe/internal/storage"
	"github.com/snarg/audioscribe/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Postgres URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "audio storage directory (overrides AUDIO_DIR)")
	flag.StringVar(&overrides.InboxDir, "inbox-dir", "", "directory to watch for new audio (overrides INBOX_DIR)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("audioscribe starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx, audioscribe.SchemaSQL); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Storage
	storeLog := log.With().Str("component", "storage").Logger()
	audioStore, services, err := storage.New(cfg.S3, cfg.AudioDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}
	for _, svc := range services {
		svc.Start()
	}
	log.Info().Str("type", audioStore.Type()).Str("dir", cfg.AudioDir).Msg("audio storage ready")

	// Transcription
	sttLog := log.With().Str("component", "transcribe").Logger()
	selector := transcribe.ChooseBackend(cfg.CloudAPIKey(),
		func(apiKey string) transcribe.Backend {
			return transcribe.NewCloudBackend(transcribe.CloudOptions{
				BaseURL:         cfg.CloudAPIURL,
				APIKey:          apiKey,
				RequestTimeout:  cfg.CloudRequestTimeout,
				UploadTimeout:   cfg.CloudUploadTimeout,
				PollInterval:    cfg.PollInterval,
				PollMaxInterval: cfg.PollMaxInterval,
				PollTimeout:     cfg.PollTimeout,
				PollMaxAttempts: cfg.PollMaxAttempts,
				Log:             sttLog,
			})
		},
		func() transcribe.Backend {
			norm := transcribe.NewNormalizer(transcribe.NormalizerOptions{
				FFmpegPath: cfg.FFmpegPath,
				TempDir:    cfg.TempDir,
				Log:        sttLog,
			})
			if !norm.CheckFFmpeg() {
				sttLog.Warn().Str("ffmpeg", cfg.FFmpegPath).Msg("ffmpeg not found, local transcription will fail until it is installed")
			}
			whisper := transcribe.NewWhisperClient(cfg.LocalSTTURL, cfg.LocalSTTModel, cfg.LocalSTTLanguage, cfg.LocalSTTTimeout)
			return transcribe.NewLocalBackend(norm, whisper, sttLog)
		},
	)
	coord := transcribe.NewCoordinator(selector, sttLog)
	log.Info().Str("backend", coord.BackendName()).Msg("transcription backend selected")

	bus := ingest.NewEventBus(cfg.EventRingSize)

	// MQTT
	var mqttConn api.ConnChecker
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Log:         mqttLog,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		bus.SetForwarder(func(e api.SSEEvent) {
			mqtt.Publish(e.Type+"/"+e.SubType, e.Data)
		})
		mqttConn = mqtt
	}

	pool := transcribe.NewWorkerPool(transcribe.WorkerPoolOptions{
		Store:        db,
		Audio:        audioStore,
		Coordinator:  coord,
		TempDir:      cfg.TempDir,
		Workers:      cfg.TranscribeWorkers,
		QueueSize:    cfg.TranscribeQueueSize,
		JobTimeout:   cfg.JobTimeout,
		PublishEvent: bus.PublishTranscription,
		Log:          sttLog,
	})

	// Ingest
	ingestLog := log.With().Str("component", "ingest").Logger()
	pipeline := ingest.NewPipeline(ingest.PipelineOptions{
		Store:    db,
		Audio:    audioStore,
		Queue:    pool,
		EventBus: bus,
		Log:      ingestLog,
	})

	// Collect leftovers before anything can create or claim records.
	leftover, err := pipeline.LoadUnfinished(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load unfinished transcriptions")
	}

	pool.Start()
	pipeline.Start()

	go func() {
		n, err := pipeline.Requeue(ctx, leftover)
		if err != nil {
			log.Warn().Err(err).Int("requeued", n).Msg("requeue interrupted")
			return
		}
		if n > 0 {
			log.Info().Int("requeued", n).Msg("requeued unfinished transcriptions")
		}
	}()

	// Inbox
	if cfg.InboxDir != "" {
		if err := pipeline.StartWatcher(cfg.InboxDir, 0); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.InboxDir).Msg("failed to start inbox watcher")
		}
	}

	prometheus.MustRegister(metrics.NewCollector(db.Pool, pool, bus))

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		DB:        db,
		Records:   db,
		Submitter: pipeline,
		Audio:     audioStore,
		Live:      pipeline,
		Queue:     pool,
		MQTT:      mqttConn,
		Backend:   coord.BackendName(),
		Version:   version,
		StartTime: startTime,
		Log:       httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	// Stop accepting new work before draining the workers. Whatever is still
	// running after the grace period is requeued on the next start.
	pipeline.Stop()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	pool.Shutdown(drainCtx)
	cancelDrain()
	for _, svc := range services {
		svc.Stop()
	}

	log.Info().Msg("audioscribe stopped")
}
