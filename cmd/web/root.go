package main

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"mediagrab/internal/config"
	"mediagrab/internal/logging"
)

func newRootCommand() *cobra.Command {
	var (
		configFlag string
		addrFlag   string
	)

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return config.Config{}, err
		}
		if addr := strings.TrimSpace(addrFlag); addr != "" {
			cfg.Server.Addr = addr
		}
		return cfg, nil
	}

	rootCmd := &cobra.Command{
		Use:           "mediagrab",
		Short:         "Asynchronous media retrieval service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Listen address, overrides server.addr")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := toml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return rootCmd
}
