package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/avrec/avrec/internal/adapters/http"
	"github.com/avrec/avrec/internal/adapters/rtc"
	"github.com/avrec/avrec/internal/app"
	"github.com/avrec/avrec/internal/config"
	"github.com/avrec/avrec/internal/core"
	"github.com/avrec/avrec/internal/media"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	registry := app.NewRegistry(log.Logger)
	hub := app.NewHub(log.Logger)
	provider := media.NewProvider(ctx, media.SourceConfig{
		PlayFrom:   cfg.PlayFrom,
		SampleRate: cfg.SampleRate,
		Width:      cfg.VideoWidth,
		Height:     cfg.VideoHeight,
		FPS:        cfg.VideoFPS,
	}, nil, log.Logger)

	sinks := func(sid core.SessionID, track core.RemoteTrack) (media.Sink, error) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			s, err := media.NewAudioSink(cfg.RecordDir, sid, cfg.SampleRate, log.Logger)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		s, err := media.NewVideoSink(cfg.RecordDir, sid, track.Codec(), log.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	transports := func(sid core.SessionID) (app.Transport, error) {
		return rtc.New(rtc.DefaultWebRTCConfig(), sid)
	}

	svc := app.NewService(ctx, registry, hub, provider, sinks, transports, log.Logger)

	r := router.SetupRouter(cfg, svc)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("avrec server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := registry.CloseAll(); err != nil {
		log.Error().Err(err).Msg("session shutdown errors")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
