package main

import (
	"fmt"
	"os"

	"livecast/pkg/config"

	"github.com/spf13/cobra"
)

var configPath string

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "livecast",
	Short: "Live audio/video room service",
	Long: `livecast hosts live stream sessions: the session REST API, the
active stream feed and, optionally, the in-process media channel relay.`,
	SilenceUsage: true,
	Version:      version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default searches configs/config.yaml, config.yaml)")
}

// loadConfig reads the first config file that exists, falling back to
// defaults with environment overrides.
func loadConfig() (*config.Config, error) {
	paths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}
	if configPath != "" {
		paths = []string{configPath}
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return config.Load(path)
	}
	if configPath != "" {
		return nil, fmt.Errorf("config file %s not found", configPath)
	}
	// Load applies defaults and env overrides for a missing file.
	return config.Load(paths[0])
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
