package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/collie-store/collie/pkg/client"
)

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Node-local operations",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List cluster members",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			nodes, err := client.New(nodeAddr).NodeList(ctx)
			if err != nil {
				return err
			}
			for i, n := range nodes {
				fmt.Printf("%3d  %-20s zone %d  %s\n", i, n.Addr, n.Zone, humanize.IBytes(n.Space))
			}
			return nil
		},
	}

	stat := &cobra.Command{
		Use:   "stat",
		Short: "Show the node's capacity and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			st, err := client.New(nodeAddr).StatNode(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("node:     %s\n", st.Node.Addr)
			fmt.Printf("capacity: %s\n", humanize.IBytes(st.Capacity))
			fmt.Printf("used:     %s\n", humanize.IBytes(st.Used))
			return nil
		},
	}

	kill := &cobra.Command{
		Use:   "kill",
		Short: "Stop the node without a cluster shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			return client.New(nodeAddr).KillNode(ctx)
		},
	}

	reweight := &cobra.Command{
		Use:   "reweight",
		Short: "Re-advertise the node's capacity for placement",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := clientCtx()
			defer cancel()
			return client.New(nodeAddr).Reweight(ctx)
		},
	}

	md := &cobra.Command{
		Use:   "md",
		Short: "Manage attached storage media",
	}
	md.AddCommand(
		&cobra.Command{
			Use:   "plug PATH...",
			Short: "Attach media directories",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := clientCtx()
				defer cancel()
				return client.New(nodeAddr).PlugMedia(ctx, args)
			},
		},
		&cobra.Command{
			Use:   "unplug PATH...",
			Short: "Detach media directories",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := clientCtx()
				defer cancel()
				return client.New(nodeAddr).UnplugMedia(ctx, args)
			},
		},
		&cobra.Command{
			Use:   "info",
			Short: "List attached media",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := clientCtx()
				defer cancel()
				media, err := client.New(nodeAddr).MediaInfo(ctx)
				if err != nil {
					return err
				}
				for _, m := range media {
					fmt.Printf("%-30s %s used of %s\n", m.Path, humanize.IBytes(m.Used), humanize.IBytes(m.Size))
				}
				return nil
			},
		},
	)

	cmd.AddCommand(list, stat, kill, reweight, md)
	return cmd
}

func newLogLevelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loglevel",
		Short: "Inspect or change the node's log level",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Show the current log level",
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := clientCtx()
				defer cancel()
				level, err := client.New(nodeAddr).LogLevel(ctx)
				if err != nil {
					return err
				}
				fmt.Println(level)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set LEVEL",
			Short: "Change the log level at runtime",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := clientCtx()
				defer cancel()
				return client.New(nodeAddr).SetLogLevel(ctx, args[0])
			},
		},
	)
	return cmd
}
