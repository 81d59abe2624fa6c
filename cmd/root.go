package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// DB is the optional journal shared by subcommands. It stays nil when no database is configured.
	DB *store.Store
	// logger writes to stderr; stdout is reserved for replies.
	logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

	configFile string
)

// Version is the application version.
const Version = "0.1.0"

// requiresDB marks commands that cannot run without the journal.
const requiresDB = "requires-db"

var errNoDB = errors.New("no database configured: set --db, FACEWATCH_DB or POSTGRES_HOST")

var rootCmd = &cobra.Command{
	Use:     "facewatch",
	Short:   "Face presence worker for length-prefixed image streams",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}

		var err error
		logger, err = newLogger(viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		url := dbURL()
		if url == "" {
			if cmd.Annotations[requiresDB] != "" {
				return errNoDB
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Optional config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("db", "", "PostgreSQL connection string for the outcome journal (disabled when empty)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
}

// loadConfig layers flags over FACEWATCH_* environment variables over the config file.
// Flags are bound per invocation so commands sharing a flag name don't shadow each other.
func loadConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("FACEWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}
	return nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// dbURL returns the configured connection string, falling back to the standard POSTGRES_*
// variables used by the compose setup. An empty result means no journal.
func dbURL() string {
	if url := viper.GetString("db"); url != "" {
		return url
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}
