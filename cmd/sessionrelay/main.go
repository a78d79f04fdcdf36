package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/codefionn/sessionrelay/internal/config"
	"github.com/codefionn/sessionrelay/internal/configstore"
	"github.com/codefionn/sessionrelay/internal/logger"
)

var (
	configFile string
	logLevel   string

	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sessionrelay",
	Short: "Multi-session linked-device relay",
	Long: `sessionrelay keeps a set of linked-device messaging sessions alive and delivers
queued documents through them.

Sessions are listed in a session store (a JSON file or Redis). 'serve' starts every
listed session, exposes the HTTP API and pushes pairing codes and status changes to
websocket clients.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		if err := logger.Init(logger.ParseLevel(loaded.LogLevel), loaded.LogPath); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON or TOML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
}

// openStore builds the configured session store. The returned close function is never nil.
func openStore(ctx context.Context, c *config.Config) (configstore.Store, func(), error) {
	switch c.Storage.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.Storage.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, func() {}, fmt.Errorf("connect to redis at %s: %w", c.Storage.RedisAddr, err)
		}
		logger.Info("session store: redis %s (key %s)", c.Storage.RedisAddr, c.Storage.RedisKey)
		return configstore.NewRedisStore(client, c.Storage.RedisKey), func() { _ = client.Close() }, nil
	default:
		logger.Info("session store: %s", c.Storage.SessionsFile)
		return configstore.NewFileStore(c.Storage.SessionsFile), func() {}, nil
	}
}
