package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/collie-store/collie/pkg/client"
)

func clientCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Minute)
}

func newClusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster-wide operations",
	}

	var (
		copies    uint8
		storeName string
	)
	format := &cobra.Command{
		Use:   "format",
		Short: "Initialize the cluster, destroying existing data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			if err := client.New(nodeAddr).FormatCluster(ctx, copies, storeName); err != nil {
				return err
			}
			fmt.Println("cluster formatted")
			return nil
		},
	}
	format.Flags().Uint8VarP(&copies, "copies", "c", 3, "default replica count")
	format.Flags().StringVar(&storeName, "store", "", "store driver (default: node's configured driver)")

	info := &cobra.Command{
		Use:   "info",
		Short: "Show cluster state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			stat, err := client.New(nodeAddr).StatCluster(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("status: %s\n", stat.Status)
			fmt.Printf("epoch:  %d\n", stat.Info.Epoch)
			fmt.Printf("copies: %d\n", stat.Info.Copies)
			fmt.Printf("store:  %s\n", stat.Info.Store)
			if stat.Info.Ctime != 0 {
				fmt.Printf("formatted: %s\n", time.Unix(0, stat.Info.Ctime).Format(time.RFC3339))
			}
			fmt.Printf("nodes (%d):\n", len(stat.Nodes))
			for _, n := range stat.Nodes {
				fmt.Printf("  %-20s zone %d  %s\n", n.Addr, n.Zone, humanize.IBytes(n.Space))
			}
			return nil
		},
	}

	shutdown := &cobra.Command{
		Use:   "shutdown",
		Short: "Stop every node cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			return client.New(nodeAddr).Shutdown(ctx)
		},
	}

	recover := &cobra.Command{
		Use:   "recover",
		Short: "Recovery control",
	}
	recover.AddCommand(
		&cobra.Command{
			Use:   "force",
			Short: "Resume service without waiting for lost nodes",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := clientCtx()
				defer cancel()
				return client.New(nodeAddr).ForceRecover(ctx)
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "Show recovery progress",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := clientCtx()
				defer cancel()
				st, err := client.New(nodeAddr).StatRecovery(ctx)
				if err != nil {
					return err
				}
				if !st.Running {
					fmt.Println("no recovery in progress")
					return nil
				}
				fmt.Printf("epoch %d: %d/%d objects\n", st.Epoch, st.Recovered, st.Total)
				return nil
			},
		},
	)

	alter := &cobra.Command{
		Use:   "alter-copies COPIES",
		Short: "Change the cluster-wide default redundancy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c uint8
			if _, err := fmt.Sscanf(args[0], "%d", &c); err != nil {
				return fmt.Errorf("parsing copies: %w", err)
			}
			ctx, cancel := clientCtx()
			defer cancel()
			return client.New(nodeAddr).AlterCopies(ctx, c)
		},
	}

	cmd.AddCommand(format, info, shutdown, recover, alter)
	return cmd
}
