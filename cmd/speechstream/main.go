package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/speechstream/config"
	"github.com/lexiqai/speechstream/internal/observability"
	"github.com/lexiqai/speechstream/session"
)

func main() {
	audioPath := flag.String("audio", "", "Path to a raw PCM audio file to recognize (defaults to stdin)")
	realtime := flag.Bool("realtime", false, "Pace the audio at its playback rate instead of streaming as fast as possible")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("stream_endpoint", cfg.StreamEndpoint).
		Str("language", cfg.Language).
		Str("format", cfg.Format).
		Str("log_level", cfg.LogLevel).
		Msg("Speech streaming client starting")

	// Ops HTTP listener: health, readiness and Prometheus metrics
	var opsServer *http.Server
	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", observability.HealthCheckHandler())
		mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
			"auth_endpoint": func(ctx context.Context) (bool, error) {
				req, err := http.NewRequestWithContext(ctx, http.MethodHead, cfg.AuthEndpoint, nil)
				if err != nil {
					return false, err
				}
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					return false, err
				}
				resp.Body.Close()
				return true, nil
			},
		}))
		mux.Handle("/metrics", promhttp.Handler())

		opsServer = &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.MetricsPort),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info().Str("port", cfg.MetricsPort).Msg("Ops listener started")
			if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("Ops listener failed")
			}
		}()
	}

	input := io.Reader(os.Stdin)
	if *audioPath != "" {
		f, err := os.Open(*audioPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *audioPath).Msg("Failed to open audio file")
		}
		defer f.Close()
		input = f
	}

	client, err := session.NewClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid client configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond)
	sess, err := client.StartSession(ctx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start recognition session")
	}

	// Stream audio into the session
	go func() {
		bytesPerSecond := cfg.SampleRate * cfg.SampleAlignment()
		buf := make([]byte, cfg.ChunkSize)
		for {
			n, err := input.Read(buf)
			if n > 0 {
				if perr := sess.PushAudio(buf[:n]); perr != nil {
					logger.Warn().Err(perr).Msg("Audio input stopped")
					return
				}
				if *realtime {
					time.Sleep(time.Duration(n) * time.Second / time.Duration(bytesPerSecond))
				}
			}
			if err != nil {
				if err != io.EOF {
					logger.Error().Err(err).Msg("Audio read failed")
				}
				sess.EndAudio()
				return
			}
		}
	}()

	// Shut down cleanly on interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info().Msg("Interrupt received, stopping session")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		sess.Stop(stopCtx)
	}()

	for event := range sess.Events() {
		switch event.Kind {
		case session.EventPartialHypothesis:
			fmt.Printf("\r... %s", event.Text)
		case session.EventFinalPhrase:
			fmt.Printf("\r>>> %s (confidence %.2f)\n", event.Text, event.Confidence)
		case session.EventStreamGap:
			logger.Warn().Msg("Possible audio gap after reconnect")
		case session.EventBackpressureDropped:
			logger.Warn().Int("dropped", event.Dropped).Msg("Recognition events dropped")
		case session.EventSessionError:
			logger.Error().Err(event.Err).Msg("Session failed")
		}
	}

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		opsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if err := sess.Err(); err != nil {
		logger.Fatal().Err(err).Msg("Session ended with error")
	}
	logger.Info().Msg("Session ended cleanly")
}
