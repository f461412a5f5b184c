package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd prints a snapshot of the proxy state. It never touches the
// network, so it reports NotInitialized unless --connect is given.
var (
	// Connect makes status establish the tunnel before reporting
	Connect bool

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show proxy status",
		Long:  `Display the current proxy state, tunnel endpoint and cache size.`,
		Run: func(cmd *cobra.Command, args []string) {
			if Connect {
				if err := initWithRetry(); err != nil {
					fmt.Printf("Init failed: %v\n", err)
				}
			}

			status := Container.ProxyService.Status()
			fmt.Printf("Ready:          %v\n", status.Ready)
			fmt.Printf("Tunnel:         %v\n", status.TunnelEnabled)
			if status.Endpoint != "" {
				fmt.Printf("Endpoint:       %s\n", status.Endpoint)
			}
			fmt.Printf("Cache size:     %d bytes\n", status.CacheSize)
			if status.LastError != "" {
				fmt.Printf("Last error:     %s\n", status.LastError)
			}
		},
	}
)

func init() {
	statusCmd.Flags().BoolVar(&Connect, "connect", false, "Establish the tunnel before reporting status")
	RootCmd.AddCommand(statusCmd)
}
