package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/danphoto/danphoto-api/config"
	"github.com/danphoto/danphoto-api/database"
	"github.com/danphoto/danphoto-api/handlers"
	"github.com/danphoto/danphoto-api/logging"
	"github.com/danphoto/danphoto-api/media"
	"github.com/danphoto/danphoto-api/metrics"
	"github.com/danphoto/danphoto-api/realtime"
	"github.com/danphoto/danphoto-api/repository"
	"github.com/danphoto/danphoto-api/theme"
	"github.com/danphoto/danphoto-api/workers"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	if envErr != nil {
		log.Debugf("no .env file loaded: %v", envErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Errorf("FATAL: %v", err)
		log.Sync()
		os.Exit(1)
	}
	log.Info("server stopped")
}

// run wires the service and blocks until ctx is cancelled. Any error returned
// happened during startup or while serving.
func run(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	store, err := media.NewLocalStorage(cfg.StorageRoot, media.StoreOptions{
		MaxBytes:            cfg.MaxUploadBytes,
		AllowedContentTypes: cfg.AllowedContentTypes,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize storage root: %w", err)
	}
	if err := store.CheckWritable(); err != nil {
		return fmt.Errorf("storage root is not writable: %w", err)
	}
	log.Infof("storing photos under %s", store.BasePath())

	db, err := database.InitDB(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	gormDB, err := database.InitGormDB(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("failed to initialize GORM: %w", err)
	}
	if err := database.AutoMigrateModels(gormDB); err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	processor, err := media.NewProcessor(cfg.ThumbnailsPath, cfg.ThumbnailMaxSize, log)
	if err != nil {
		return fmt.Errorf("failed to initialize media processor: %w", err)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := realtime.NewHub(log)
	go hub.Run(hubCtx)

	m := metrics.New()
	imageProcessor := workers.NewImageProcessor(db, store, processor, hub, cfg.ThumbnailQueueSize, cfg.NumThumbnailWorkers, log)
	imageProcessor.OnQueued = func(task string) { m.QueuedJobsTotal.WithLabelValues(task).Inc() }
	defer imageProcessor.Stop()
	if queued, err := imageProcessor.ResumePending(); err != nil {
		log.Warnf("failed to resume pending tasks: %v", err)
	} else if queued > 0 {
		log.Infof("resumed %d pending task(s)", queued)
	}

	resolver := theme.NewResolver(theme.SystemClock, cfg.ThemeLocation, cfg.ThemeFallbackID)
	log.Infof("current theme is %s (%s)", resolver.Current().ID, cfg.ThemeLocation)

	topics := repository.NewThemeTopicRepository(gormDB)
	router := handlers.NewRouter(handlers.RouterDeps{
		Upload: &handlers.UploadHandler{
			Store:    store,
			Resolver: resolver,
			DB:       db,
			Jobs:     imageProcessor,
			Events:   hub,
			Metrics:  m,
			Log:      log,
		},
		Themes: &handlers.ThemeHandler{
			Store:      store,
			Resolver:   resolver,
			DB:         db,
			Thumbnails: processor,
			Topics:     topics,
			Log:        log,
		},
		Topics:             handlers.NewTopicHandler(topics, hub, log),
		Events:             hub.ServeWS,
		Metrics:            m,
		UploadRatePerMin:   cfg.UploadRatePerMinute,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RequestTimeout:     cfg.RequestTimeout,
		UploadTimeout:      cfg.UploadTimeout,
		Log:                log,
	})

	// bind before serving so a taken port is a startup failure
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("server listening on %s", addr)
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Infof("shutting down, draining requests for up to %s", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	stopHub()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("graceful shutdown incomplete: %v", err)
	}
	return nil
}
