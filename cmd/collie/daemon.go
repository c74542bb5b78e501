package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/collie-store/collie/pkg/config"
	"github.com/collie-store/collie/pkg/log"
	"github.com/collie-store/collie/pkg/server"
)

func newDaemonCmd() *cobra.Command {
	var (
		configPath string
		capacity   string
		cfg        = config.Default()
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run a storage node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				// Flags set explicitly win over the file.
				merge(cmd, cfg, loaded)
				cfg = loaded
			}
			if capacity != "" {
				bytes, err := humanize.ParseBytes(capacity)
				if err != nil {
					return fmt.Errorf("parsing --capacity: %w", err)
				}
				cfg.Capacity = bytes
			}
			if cfg.NodeID == "" {
				cfg.NodeID = uuid.NewString()
			}

			log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.JSONLog})

			node, err := server.New(cfg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- node.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-node.Done():
			case sig := <-sigCh:
				log.Info("received " + sig.String() + ", stopping")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			node.Stop(ctx)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&cfg.NodeID, "node-id", "", "stable node identity (default: random)")
	cmd.Flags().StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "request surface address")
	cmd.Flags().StringVar(&cfg.RaftAddr, "raft-addr", cfg.RaftAddr, "raft transport address")
	cmd.Flags().StringVarP(&cfg.DataDir, "data-dir", "d", cfg.DataDir, "data directory")
	cmd.Flags().Uint32Var(&cfg.Zone, "zone", 0, "failure zone")
	cmd.Flags().StringVar(&capacity, "capacity", "", "advertised capacity (e.g. 500G)")
	cmd.Flags().StringVar(&cfg.ClusterDriver, "cluster", cfg.ClusterDriver, "cluster driver (local, raft)")
	cmd.Flags().StringVar(&cfg.StoreDriver, "store", cfg.StoreDriver, "store driver")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	cmd.Flags().BoolVar(&cfg.JSONLog, "json-log", false, "log as JSON")
	return cmd
}

// merge copies flag-set values over the file-loaded config.
func merge(cmd *cobra.Command, flags, into *config.Config) {
	if cmd.Flags().Changed("node-id") {
		into.NodeID = flags.NodeID
	}
	if cmd.Flags().Changed("bind") {
		into.BindAddr = flags.BindAddr
	}
	if cmd.Flags().Changed("raft-addr") {
		into.RaftAddr = flags.RaftAddr
	}
	if cmd.Flags().Changed("data-dir") {
		into.DataDir = flags.DataDir
	}
	if cmd.Flags().Changed("zone") {
		into.Zone = flags.Zone
	}
	if cmd.Flags().Changed("cluster") {
		into.ClusterDriver = flags.ClusterDriver
	}
	if cmd.Flags().Changed("store") {
		into.StoreDriver = flags.StoreDriver
	}
	if cmd.Flags().Changed("log-level") {
		into.LogLevel = flags.LogLevel
	}
	if cmd.Flags().Changed("json-log") {
		into.JSONLog = flags.JSONLog
	}
}
