package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/notesync/pkg/config"
)

var (
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:           "notesync",
		Short:         "Realtime collaborative note synchronisation",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level, _ := c.LogLevel()
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			cfg = c
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a notesync.yaml (default: ./notesync.yaml or ./config/notesync.yaml if present)")
	rootCmd.AddCommand(serveCmd, clientCmd, dumpCmd, renderCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
