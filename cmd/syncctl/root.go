package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/prudhvinik1/optisync/internal/config"
)

var (
	verbose   bool
	serverURL string
	token     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "syncctl",
	Short: "Optimistic sync client for an optisync server",
	Long: `syncctl edits entities on an optisync server optimistically.
Local edits show up immediately and are reconciled with the server's answer.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		godotenv.Load()

		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(logrus.WarnLevel)
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig() (*config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
		if os.Getenv("SYNC_WS_URL") == "" {
			cfg.WebSocketURL = config.DeriveWebSocketURL(serverURL)
		}
	}
	if token != "" {
		cfg.Token = token
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Sync server base URL (overrides SYNC_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token (overrides SYNC_TOKEN)")
}
