package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"exam-recorder/internal/exam"
	"exam-recorder/internal/media"
	"exam-recorder/internal/media/ffmpegcap"
	"exam-recorder/internal/platform/config"
	"exam-recorder/internal/platform/logger"
	"exam-recorder/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	dataDir := config.GetEnv("DATA_DIR", "")
	authURL := config.GetEnv("AUTH_URL", "")
	scriptsPath := config.GetEnv("SCRIPTS_PATH", "")
	countdown := config.GetEnvDuration("SESSION_COUNTDOWN", media.DefaultCountdown)
	pollInterval := config.GetEnvDuration("HEALTH_POLL_INTERVAL", media.DefaultPollInterval)
	reconcileInterval := config.GetEnvDuration("HEALTH_RECONCILE_INTERVAL", media.DefaultReconcileInterval)

	log := logger.New(logLevel, logFormat)

	var store exam.Store
	if dataDir != "" {
		fs, err := exam.NewFileStore(dataDir)
		if err != nil {
			log.Error("open data dir", "dir", dataDir, "error", err)
			os.Exit(1)
		}
		store = fs
	} else {
		log.Warn("DATA_DIR not set, progress will not survive restarts")
		store = exam.NewMemoryStore()
	}

	var auth exam.Authenticator
	if authURL != "" {
		auth = exam.NewHTTPAuthenticator(authURL, config.GetEnvDuration("AUTH_TIMEOUT", 10*time.Second))
	} else {
		log.Warn("AUTH_URL not set, accepting any non-empty credentials")
		auth = exam.StaticAuthenticator{}
	}

	scripts := exam.DefaultScripts()
	if scriptsPath != "" {
		loaded, err := exam.LoadScripts(scriptsPath)
		if err != nil {
			log.Error("load scripts", "path", scriptsPath, "error", err)
			os.Exit(1)
		}
		scripts = loaded
	}

	met := metrics.New()

	devices := ffmpegcap.New(ffmpegcap.Config{
		FFmpegPath:  config.GetEnv("FFMPEG_PATH", "ffmpeg"),
		VideoDevice: config.GetEnv("VIDEO_DEVICE", "/dev/video0"),
		AudioDevice: config.GetEnv("AUDIO_DEVICE", "default"),
	})

	ctrl := media.NewController(devices, log, met)

	repo := exam.NewRepository(store, log)
	svc := exam.NewService(repo, ctrl, devices, auth, scripts, exam.Config{
		Session: media.SessionConfig{Countdown: countdown},
	}, log, met)
	h := exam.NewHandler(svc, log, met)

	// The watchdog only holds devices while the flow wants them, so a logout
	// or completion release is not undone by the next reconcile pass.
	monitor := media.NewMonitor(ctrl, media.MonitorConfig{
		PollInterval:      pollInterval,
		ReconcileInterval: reconcileInterval,
		Wanted:            svc.DevicesWanted,
	}, log)

	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	if err := monitor.Start(monCtx); err != nil {
		log.Error("start health monitor", "error", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log, "/state"))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			st := ctrl.Status()
			met.SetStreamReadiness(st.VideoReady, st.AudioReady)
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"session_countdown", countdown.String(),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	// Explicit teardown: stop the watchdog and release the hardware rather
	// than relying on process exit to clean up.
	monitor.Stop()
	ctrl.Release()

	log.Info("server stopped")
}
