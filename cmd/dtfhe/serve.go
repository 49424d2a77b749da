package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/z3rotig4r/ckks_tree/internal/config"
	"github.com/z3rotig4r/ckks_tree/internal/evaluator"
	"github.com/z3rotig4r/ckks_tree/internal/metrics"
	"github.com/z3rotig4r/ckks_tree/internal/replay"
	"github.com/z3rotig4r/ckks_tree/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve encrypted inference for a compiled model",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newReplayCache(c config.Replay, logger *slog.Logger) (replay.Cache, error) {
	switch c.Backend {
	case "redis":
		return replay.NewRedis(replay.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		}, c.TTL)
	case "badger":
		return replay.NewBadger(replay.BadgerConfig{
			Path:     c.Badger.Path,
			InMemory: c.Badger.InMemory,
			Logger:   logger,
		}, c.TTL, nil)
	default:
		return replay.NewMemory(c.TTL, nil), nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	m, err := loadMatrices(ctx, cfg.Model)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	ev, err := evaluator.New(m, evaluator.WithWorkers(cfg.Server.Workers), evaluator.WithLogger(logger))
	if err != nil {
		return err
	}
	sealer, err := newSealer(cfg.Security)
	if err != nil {
		return err
	}
	cache, err := newReplayCache(cfg.Replay, logger)
	if err != nil {
		return fmt.Errorf("replay cache: %w", err)
	}
	defer cache.Close()

	srv, err := server.New(server.Config{
		Evaluator:     ev,
		Sealer:        sealer,
		Cache:         cache,
		Metrics:       metrics.New(),
		Logger:        logger,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		MaxSkew:       cfg.Security.MaxSkew,
		SealResponses: cfg.Security.SealResponses,
		CORSOrigin:    cfg.Server.CORSOrigin,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// TLS 인증서 파일이 존재하면 HTTPS
	useTLS := fileExists(cfg.Server.TLSCert) && fileExists(cfg.Server.TLSKey)
	errCh := make(chan error, 1)
	go func() {
		if useTLS {
			errCh <- httpSrv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	logger.Info("🔐 server started",
		slog.String("addr", cfg.Server.Addr),
		slog.Bool("tls", useTLS),
		slog.Int("nodes", m.NumNodes()),
		slog.Int("leaves", m.NumLeaves()),
		slog.Int("width", m.Width()),
		slog.String("replay", cfg.Replay.Backend),
		slog.String("cipher", string(sealer.Cipher())))
	if !useTLS {
		logger.Warn("⚠️  no TLS certificates found, serving plain HTTP")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-sigCh:
		logger.Info("received signal", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
