package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ksred/klear-negotiation/internal/config"
	"github.com/ksred/klear-negotiation/internal/server"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "settlement-server",
	Short: "Two-party settlement negotiation API",
	Long: `settlement-server runs the negotiation API: a proposer opens and revises
an amount, a counterparty accepts or counters, and every committed change is
pushed to WebSocket and Server-Sent Events subscribers.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default ./settlement.yaml)")
	rootCmd.Flags().String("port", "", "listen port (overrides server.port)")
	rootCmd.Flags().String("store", "", "store driver: memory, sqlite, dynamodb or postgres")

	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("server.port", rootCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("store.driver", rootCmd.Flags().Lookup("store"))
}

func initConfig() {
	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("settlement")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	config.SetDefaults(v)

	// Config file is optional
	_ = v.ReadInConfig()
}

// setupLogging configures zerolog. In development mode it enables pretty
// printing with timestamps.
func setupLogging(cfg *config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Log.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// run starts the API server with graceful shutdown support
func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if used := v.ConfigFileUsed(); used != "" {
		zlog.Info().Str("file", used).Msg("loaded config file")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	app, err := server.New(ctx, cfg)
	if err != nil {
		return err
	}
	app.Start(ctx)

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: app.Router,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Str("store", cfg.Store.Driver).Msg("settlement API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Streams are long lived; end them first so Shutdown is not held open
	cancel()
	app.Hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := app.Close(); err != nil {
		zlog.Error().Err(err).Msg("failed to release store")
	}

	zlog.Info().Msg("Server exiting")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
