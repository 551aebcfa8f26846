package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/scrollDynasty/voiceaicargoprime/config"
	"github.com/scrollDynasty/voiceaicargoprime/internal/api/handlers"
	"github.com/scrollDynasty/voiceaicargoprime/internal/api/middleware"
	"github.com/scrollDynasty/voiceaicargoprime/internal/api/routes"
	"github.com/scrollDynasty/voiceaicargoprime/internal/cache"
	"github.com/scrollDynasty/voiceaicargoprime/internal/engine"
	"github.com/scrollDynasty/voiceaicargoprime/internal/gateway"
	"github.com/scrollDynasty/voiceaicargoprime/internal/logger"
	"github.com/scrollDynasty/voiceaicargoprime/internal/models"
	"github.com/scrollDynasty/voiceaicargoprime/internal/providers/llm"
	"github.com/scrollDynasty/voiceaicargoprime/internal/providers/stt"
	"github.com/scrollDynasty/voiceaicargoprime/internal/providers/tts"
	"github.com/scrollDynasty/voiceaicargoprime/internal/registry"
	pgrepo "github.com/scrollDynasty/voiceaicargoprime/internal/repositories/postgres"
	"github.com/scrollDynasty/voiceaicargoprime/internal/ringcentral"
	"github.com/scrollDynasty/voiceaicargoprime/internal/services"
	sipserver "github.com/scrollDynasty/voiceaicargoprime/internal/sip"
	"github.com/scrollDynasty/voiceaicargoprime/internal/storage"
)

func main() {
	_ = godotenv.Load()
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.InitPostgres(); err != nil {
		log.WithError(err).Fatal("postgres init failed")
	}
	if err := config.PostgresDB.AutoMigrate(&models.CallRecord{}, &models.CallTranscript{}); err != nil {
		log.WithError(err).Fatal("postgres migration failed")
	}

	// redis is optional: without it call events are simply not fanned out
	var rdb *redis.Client
	var pub engine.EventPublisher = engine.NopPublisher{}
	if err := config.InitRedis(); err != nil {
		log.WithError(err).Warn("redis unavailable, call event stream disabled")
	} else {
		rdb = config.RedisClient
		pub = engine.NewRedisPublisher(rdb, log)
	}

	sttProvider, err := stt.NewGoogleSpeech(ctx, int32(cfg.Speech.SampleRateHz))
	if err != nil {
		log.WithError(err).Fatal("speech client init failed")
	}
	defer sttProvider.Close()

	ttsProvider, err := tts.NewGoogleTTS(ctx, cfg.Speech.TTSLanguage, cfg.Speech.TTSVoiceName, int32(cfg.Speech.SampleRateHz))
	if err != nil {
		log.WithError(err).Fatal("tts client init failed")
	}
	defer ttsProvider.Close()

	var llmProvider llm.Provider
	switch cfg.LLM.Provider {
	case "ollama":
		llmProvider = llm.NewOllama(cfg.LLM.OllamaURL, cfg.LLM.Model)
	default:
		llmProvider, err = llm.NewVertexGemini(ctx, cfg.LLM.ProjectID, cfg.LLM.Location, cfg.LLM.Model)
		if err != nil {
			log.WithError(err).Fatal("vertex client init failed")
		}
	}
	defer llmProvider.Close()

	gw := &gateway.Gateway{
		STT:          sttProvider,
		TTS:          ttsProvider,
		LLM:          llmProvider,
		Language:     cfg.Speech.LanguageCode,
		SystemPrompt: cfg.LLM.SystemPrompt,
		MaxHistory:   cfg.LLM.MaxHistory,
		Log:          log,
	}

	var recorder storage.Uploader
	if cfg.Storage.Bucket != "" {
		up, err := storage.NewGCSUploader(ctx, cfg.Storage.Bucket)
		if err != nil {
			log.WithError(err).Warn("gcs unavailable, greeting archival disabled")
		} else {
			defer up.Close()
			recorder = up
		}
	}

	reg := registry.New(log)
	pool := &engine.PipelinePool{Logger: log}
	if err := pool.Start(ctx); err != nil {
		log.WithError(err).Fatal("pipeline pool start failed")
	}
	coord := engine.NewCoordinator(reg, gw, pool, pub, cfg.Speech.FallbackText, log)

	auth := ringcentral.NewTokenManager(cfg.RingCentral, log)
	rc := ringcentral.NewClient(auth, log)
	guard := engine.NewGuard(rc, log)

	var transcriptCache cache.Cache
	if rdb != nil {
		transcriptCache = cache.NewRedisCache(rdb)
	}
	callLog := services.NewCallLogService(pgrepo.NewCallRepo(config.PostgresDB), transcriptCache)

	eng := engine.NewEngine(cfg, reg, guard, coord, rc, recorder, callLog, pub, ctx, log)
	eng.StartSweeper(ctx)

	// Webhook subscriptions expire; registering at boot keeps a restarted
	// instance receiving events without operator action. Best effort.
	if cfg.RingCentral.WebhookURL != "" {
		go func() {
			sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			id, err := rc.EnsureSubscription(sctx, cfg.RingCentral.WebhookURL)
			if err != nil {
				log.WithError(err).Warn("webhook subscription registration failed")
				return
			}
			log.WithField("subscription_id", id).Info("webhook subscription active")
		}()
	}

	if cfg.SIP.Enabled {
		sipSrv, err := sipserver.NewServer(cfg.SIP, eng, coord, log)
		if err != nil {
			log.WithError(err).Fatal("sip server init failed")
		}
		go func() {
			if err := sipSrv.Start(ctx); err != nil {
				log.WithError(err).Error("sip server stopped")
				stop()
			}
		}()
		if cfg.SIP.Username != "" {
			go sipserver.NewRegistrar(sipSrv, log).Run(ctx)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	routes.RegisterRoutes(r, routes.Deps{
		Webhook: handlers.NewWebhookHandler(eng, cfg.RingCentral.WebhookSecret, log),
		Calls:   handlers.NewCallHandler(reg, eng, callLog),
		Bridge:  handlers.NewBridgeHandler(reg, coord, rdb, log),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: r,
	}
	go func() {
		log.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	// drop every live call so records are persisted before exit
	for _, snap := range reg.ListActive() {
		eng.Teardown(snap.CallID, "Shutdown", "answered")
	}
}
