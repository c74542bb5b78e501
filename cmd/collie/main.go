// Command collie is the storage daemon and its administration tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/collie-store/collie/pkg/log"
)

var nodeAddr string

func main() {
	root := &cobra.Command{
		Use:           "collie",
		Short:         "Distributed replicated block storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&nodeAddr, "address", "a", "127.0.0.1:7000", "node to administer")

	root.AddCommand(
		newDaemonCmd(),
		newClusterCmd(),
		newNodeCmd(),
		newVDICmd(),
		newLogLevelCmd(),
	)

	log.Init(log.Config{Level: log.InfoLevel})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
