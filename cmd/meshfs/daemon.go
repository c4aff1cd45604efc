package main

import (
	"context"
	"fmt"
	"time"

	"meshfs/pkg/fuse"
	"meshfs/pkg/node"
	"meshfs/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func daemonCmd() *cobra.Command {
	var (
		mountpoint string
		replicaRef string
	)

	cmd := &cobra.Command{
		Use:     "daemon",
		Aliases: []string{"serve"},
		Short:   "Run the node: serve peers, sync replicas in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(mountpoint, replicaRef)
		},
	}
	cmd.Flags().StringVar(&mountpoint, "mount", "", "also mount the replicas at this directory")
	cmd.Flags().StringVar(&replicaRef, "replica", "", "mount only this replica")
	return cmd
}

func mountCmd() *cobra.Command {
	var replicaRef string

	cmd := &cobra.Command{
		Use:   "mount [mountpoint]",
		Short: "Run the node and mount its replicas as a filesystem",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := ""
			if len(args) > 0 {
				mountpoint = args[0]
			}
			if mountpoint == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				mountpoint = cfg.Mount.Mountpoint
			}
			if mountpoint == "" {
				return fmt.Errorf("no mountpoint given and mount.mountpoint is not configured")
			}
			return runDaemon(mountpoint, replicaRef)
		},
	}
	cmd.Flags().StringVar(&replicaRef, "replica", "", "mount only this replica")
	return cmd
}

func runDaemon(mountpoint, replicaRef string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(verbose)
	defer logger.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	n, err := node.New(ctx, cfg, logger, node.Options{})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		if err := n.Stop(stopCtx); err != nil {
			logger.Warn("Node did not stop cleanly", zap.Error(err))
		}
	}()

	if mountpoint != "" {
		var id types.ReplicaID
		if replicaRef != "" {
			if id, err = resolveReplica(n, replicaRef); err != nil {
				return err
			}
		}
		server, err := fuse.Mount(mountpoint, n, fuse.Options{
			Replica:    id,
			AllowOther: cfg.Mount.AllowOther,
			Debug:      cfg.Mount.Debug,
			Logger:     logger.Named("fuse"),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := server.Unmount(); err != nil {
				logger.Warn("Unmount failed", zap.String("mountpoint", mountpoint), zap.Error(err))
			}
		}()
	}

	logger.Info("meshfs running",
		zap.String("address", n.Address()),
		zap.String("identity", n.Identity().String()),
		zap.String("data_dir", cfg.DataDir))
	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
