package cmd

import (
	"fmt"
	"os"

	"github.com/imgveil/imgveil-go-client/internal/di"
	"github.com/spf13/cobra"
)

var (
	// Container is the dependency injection container
	Container *di.Container

	// ConfigPath is the path to the configuration file
	ConfigPath string

	// LogLevel is the logging level
	LogLevel string

	// RootCmd is the root command for CLI
	RootCmd = &cobra.Command{
		Use:   "imgveil",
		Short: "Imgveil Client - private image fetching",
		Long: `Imgveil Client fetches remote images referenced by untrusted HTML
through an encrypted tunnel that hides your IP address and strips
tracking headers.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			Container = di.NewContainer()

			if err := Container.Initialize(ConfigPath); err != nil {
				fmt.Printf("Error: %v\n", err)
				os.Exit(1)
			}

			if LogLevel != "" {
				Container.Logger.SetLevel(LogLevel)
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if Container != nil {
				Container.Close()
			}
		},
	}
)

// Execute runs the root command
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&ConfigPath, "config", "c", "", "Path to configuration file (default: ~/.imgveil/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&LogLevel, "log-level", "warn", "Set logging level (debug, info, warn, error)")
}
