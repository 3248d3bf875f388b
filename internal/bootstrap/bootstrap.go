// Package bootstrap loads configuration, builds the provider stack and runs
// the server lifecycle with graceful shutdown.
package bootstrap

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ruchi-nb/full-matata-sub000/internal/config"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers/llm/openai"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers/stt/deepgram"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers/stt/sarvam"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers/translate"
	"github.com/ruchi-nb/full-matata-sub000/internal/providers/tts/edge"
	"github.com/ruchi-nb/full-matata-sub000/internal/rag"
	"github.com/ruchi-nb/full-matata-sub000/internal/session"
	"github.com/ruchi-nb/full-matata-sub000/internal/store"
	httptransport "github.com/ruchi-nb/full-matata-sub000/internal/transport/http"
	"github.com/ruchi-nb/full-matata-sub000/internal/transport/ws"
)

// Run wires the whole server together and blocks until shutdown.
func Run(ctx context.Context) error {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return errors.Wrap(errors.KindConfig, "bootstrap", "init logger", err)
	}
	logger.InfoTag("Boot", "starting consultation server on %s", cfg.Server.Addr())

	db, err := store.Open(store.Config{Path: cfg.Store.SQLitePath})
	if err != nil {
		return err
	}
	recorder := store.NewRecorder(db, cfg.Store.QueueSize, logger)
	defer recorder.Close()

	var rdb *redis.Client
	if cfg.RAG.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RAG.RedisAddr, DB: cfg.RAG.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WarnTag("Boot", "redis unavailable, context caching disabled: %v", err)
			rdb = nil
		}
		if rdb != nil {
			defer rdb.Close()
		}
	}

	deps := buildDeps(ctx, cfg, rdb, recorder, logger)

	hub := ws.NewHub(logger)
	wsHandler := ws.NewHandler(hub, deps, cfg.Pipeline, logger, ws.HandlerOptions{})
	httpServer := httptransport.NewServer(httptransport.Options{
		Config:    cfg,
		Logger:    logger,
		WSHandler: wsHandler,
		Hub:       hub,
	})

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})
	group.Go(func() error {
		hub.RunSweeper(groupCtx.Done(), cfg.Server.StaleTimeout/2, cfg.Server.StaleTimeout)
		return nil
	})

	err = group.Wait()
	logger.InfoTag("Boot", "server stopped")
	return err
}

// buildDeps assembles the session dependency set from configuration.
func buildDeps(ctx context.Context, cfg *config.Config, rdb *redis.Client, recorder *store.Recorder, logger *logging.Logger) session.Deps {
	sarvamClient := sarvam.NewClient(sarvam.Config{
		APIKey:   cfg.Sarvam.APIKey,
		Endpoint: cfg.Sarvam.Endpoint,
		Model:    cfg.Sarvam.Model,
	}, logger)

	sarvamTuning := sarvam.Tuning{
		Debounce:           cfg.Pipeline.Debounce,
		IdleFinalize:       cfg.Pipeline.IdleFinalize,
		BufferCap:          cfg.Pipeline.AudioBufferCap,
		MinTranscribeBytes: cfg.Pipeline.MinTranscribeBytes,
		GrowthThreshold:    cfg.Pipeline.GrowthThreshold,
		GrowthInterval:     cfg.Pipeline.GrowthInterval,
	}

	deepgramCfg := deepgram.Config{
		APIKey:         cfg.Deepgram.APIKey,
		Endpoint:       cfg.Deepgram.Endpoint,
		Model:          cfg.Deepgram.Model,
		UtteranceEndMS: cfg.Deepgram.UtteranceEndMS,
	}
	deepgramTuning := deepgram.Tuning{
		EndSpeechDebounce: cfg.Pipeline.EndSpeechDebounce,
		MergeOverlapRatio: cfg.Pipeline.MergeOverlapRatio,
	}

	streams := func(provider, language string, multilingual bool) (providers.SpeechProvider, error) {
		switch provider {
		case "deepgram":
			return deepgram.Dial(ctx, deepgramCfg, language, 16000, multilingual, deepgramTuning, logger)
		case "sarvam", "":
			return sarvam.NewAdapter(sarvamClient, sarvamTuning, language, multilingual, logger), nil
		default:
			return nil, errors.New(errors.KindConfig, "bootstrap", "unknown speech provider "+provider)
		}
	}

	var tts providers.SpeechSynthesizer
	if cfg.TTS.Enabled {
		tts = edge.NewProvider(edge.Config{Voice: cfg.TTS.Voice, Format: cfg.TTS.Format}, logger)
	}

	return session.Deps{
		Streams:     streams,
		Transcriber: sarvamClient,
		LLM: openai.NewProvider(openai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: float64(cfg.OpenAI.Temperature),
		}, logger),
		Translator: translate.NewClient(translate.Config{
			APIKey:   cfg.Sarvam.APIKey,
			Endpoint: cfg.Sarvam.TranslateURL,
			Timeout:  cfg.Pipeline.TranslateTimeout,
		}, logger),
		RAG: rag.NewBuilder(rag.Config{
			Endpoint: cfg.RAG.ServiceURL,
			CacheTTL: cfg.RAG.CacheTTL,
		}, rdb, logger),
		TTS:      tts,
		Recorder: recorder,
	}
}
