package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"diskdeck/internal/auth"
	"diskdeck/internal/config"
	"diskdeck/internal/httpserver"
	"diskdeck/internal/progress"
)

const sweepEvery = time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	var (
		addr     = flag.String("addr", "", "listen address (default "+config.DefaultAddr+")")
		root     = flag.String("root", "", "served root (required if -config is not set)")
		stateDir = flag.String("state", "", "state dir for upload workspaces and thumbs (default: <root>/.diskdeck)")
		cfgPath  = flag.String("config", "", "path to config json or yaml (optional)")
	)
	flag.Parse()

	var cfg config.Config
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	// flags win over the file
	if strings.TrimSpace(*root) != "" {
		cfg.Root = *root
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := cfg.Normalize(); err != nil {
		fmt.Fprintln(os.Stderr, err, "(use -root or -config)")
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("diskdeck stopped")
	}
}

func newLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func run(cfg config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("mkdir state: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := httpserver.Options{Config: cfg, Logger: logger}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pong, err := client.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Str("reply", pong).Msg("redis connected")
		mirror := progress.NewRedis(client, progress.DefaultTTL)
		mirror.SetLogger(logger.With().Str("component", "progress").Logger())
		opts.Progress = mirror
	}

	srv, err := httpserver.New(opts)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	// finish uploads whose last chunk landed before a restart
	go func() {
		if err := srv.Uploads().Resume(ctx); err != nil {
			logger.Warn().Err(err).Msg("resume uploads")
		}
	}()
	go sweepLoop(ctx, srv, cfg.WorkspaceTTL.Std(), logger)

	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("root", cfg.Root).Msg("diskdeck listening")
		logger.Info().Str("url", "http://"+cfg.Addr+"/dav/").Msg("webdav endpoint")
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("fetch tasks still running")
	}
	if err := hs.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func sweepLoop(ctx context.Context, srv *httpserver.Server, ttl time.Duration, logger zerolog.Logger) {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		if n, err := srv.Uploads().Sweep(ttl); err != nil {
			logger.Warn().Err(err).Msg("sweep upload workspaces")
		} else if n > 0 {
			logger.Info().Int("removed", n).Msg("swept upload workspaces")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: diskdeck passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := auth.HashPassword(*password, *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(h)
}
