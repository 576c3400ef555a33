package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/farmchat/internal/bridge"
	"github.com/Tyrowin/farmchat/internal/server"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	configFile string
	envFile    string
	port       string
	logLevel   string
	driver     string
	channel    string
	staticDir  string
}

func newRootCommand() *cobra.Command {
	return newCommand(&options{})
}

// newCommand binds the flags to opts.
func newCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "farmchat",
		Short:         "Realtime chat relay for the farm game",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			initLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	f.StringVar(&opts.port, "port", "", "listen port or address (overrides PORT)")
	f.StringVar(&opts.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	f.StringVar(&opts.driver, "bridge-driver", "", "bridge driver: ably, redis or memory")
	f.StringVar(&opts.channel, "channel", "", "external channel to bridge")
	f.StringVar(&opts.staticDir, "static-dir", "", "directory served as static assets")
	return cmd
}

// loadConfig layers defaults, the YAML file, the environment and flags, then
// validates the result.
func loadConfig(cmd *cobra.Command, opts *options) (server.Config, error) {
	if opts.envFile != "" {
		if _, err := os.Stat(opts.envFile); err == nil {
			if err := godotenv.Load(opts.envFile); err != nil {
				return server.Config{}, errors.Wrapf(err, "load %s", opts.envFile)
			}
		}
	}

	cfg := server.NewConfig()
	if opts.configFile != "" {
		if err := cfg.LoadFile(opts.configFile); err != nil {
			return server.Config{}, err
		}
	}
	cfg.ApplyEnv()

	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Port = opts.port
	}
	if f.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if f.Changed("bridge-driver") {
		cfg.Bridge.Driver = opts.driver
	}
	if f.Changed("channel") {
		cfg.Bridge.Channel = opts.channel
	}
	if f.Changed("static-dir") {
		cfg.StaticDir = opts.staticDir
	}

	sanitized := cfg.Sanitize()
	if err := sanitized.Validate(); err != nil {
		return server.Config{}, errors.Wrap(err, "invalid configuration")
	}
	return sanitized, nil
}

func initLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()
}

// run serves until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg server.Config) error {
	br, err := bridge.New(ctx, cfg.Bridge, log.Logger)
	if err != nil {
		return errors.Wrap(err, "create bridge")
	}
	defer func() {
		if err := br.Close(); err != nil {
			log.Warn().Err(err).Msg("closing bridge")
		}
	}()

	srv := server.New(cfg, br, log.Logger)
	if err := srv.Start(ctx); err != nil {
		_ = srv.Shutdown(shutdownTimeout)
		return err
	}

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(srv))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		var firstErr error
		if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
			firstErr = err
		}
		if err := srv.Shutdown(shutdownTimeout); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	})
	return eg.Wait()
}

func main() {
	initLogger(os.Getenv("LOG_LEVEL"))

	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("farmchat exited")
		os.Exit(1)
	}
}
