// Command sodarelay serves the resolve-and-stream endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/sodarelay"
	"github.com/tfkr-ae/sodarelay/db"
	"github.com/tfkr-ae/sodarelay/listener"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sodarelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config", defaultConfigDir(), "directory holding config.yaml, created on first run")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := sodarelay.LoadConfig(*configDir)
	if err != nil {
		return fmt.Errorf("loading config : %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config : %w", err)
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	logger.Info().Str("version", version).Object("config", cfg).Msg("starting")

	options := []func(*sodarelay.Relay) error{
		sodarelay.WithConfig(cfg),
		sodarelay.WithLogger(logger),
	}
	if cfg.DB.Path != "" {
		conn, err := db.New(cfg.DB.Path)
		if err != nil {
			return fmt.Errorf("opening activity log : %w", err)
		}
		options = append(options, sodarelay.WithRepo(db.NewRepo(conn)))
	}

	relay, err := sodarelay.New(options...)
	if err != nil {
		return fmt.Errorf("creating relay : %w", err)
	}
	defer func() {
		if err := relay.Close(); err != nil {
			logger.Error().Err(err).Msg("closing relay")
		}
	}()

	ln, err := listener.Listen(cfg.Server.Address, cfg.Server.Port, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           relay.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		// No WriteTimeout, a relayed stream lasts as long as the caller keeps reading.
		IdleTimeout: 2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving : %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("in-flight relays did not finish in time")
		server.Close()
	}
	return nil
}

func newLogger(cfg sodarelay.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parsing log level : %w", err)
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".sodarelay"
	}
	return filepath.Join(dir, "sodarelay")
}
