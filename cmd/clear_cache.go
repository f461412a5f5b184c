package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// clearCacheCmd empties the response cache of a connected proxy.
var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Empty the response cache",
	Run: func(cmd *cobra.Command, args []string) {
		if err := initWithRetry(); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		if err := Container.ProxyService.ClearCache(); err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Cache cleared")
	},
}

func init() {
	RootCmd.AddCommand(clearCacheCmd)
}
