package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshfs/pkg/config"
	"meshfs/pkg/node"
	"meshfs/pkg/types"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	dataDir    string
	verbose    bool
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshfs",
		Short: "Peer-to-peer replicated filesystem",
		Long: `meshfs keeps directory trees (replicas) in sync between peers.
Every peer can write; concurrent writes to a path resolve to the latest one.
Access is granted by sharing tickets that carry signed capabilities.

Commands other than daemon and mount open the data directory directly and
must not run while a daemon holds it.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	root.AddCommand(
		daemonCmd(),
		mountCmd(),
		replicaCmd(),
		shareCmd(),
		importCmd(),
		writeCmd(),
		readCmd(),
		lsCmd(),
		rmCmd(),
		mvCmd(),
		syncCmd(),
		gcCmd(),
		statusCmd(),
		configCmd(),
		tlsCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshfs v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

// quietLogger keeps one-shot commands from interleaving info logs with
// their output.
func quietLogger(verbose bool) *zap.Logger {
	if verbose {
		return setupLogger(true)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}

func loadConfig() (*config.Config, error) {
	v := config.NewViper()
	if dataDir != "" {
		v.Set("data_dir", dataDir)
	}
	return config.Load(v, configFile)
}

// withNode opens and starts the local node, runs fn and stops the node.
// Background sync is left off; commands sync explicitly.
func withNode(fn func(ctx context.Context, n *node.Node) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Sync.Enabled = false
	cfg.Metrics.Enabled = false
	// Serve on any free port but keep advertising the daemon's address, so
	// tickets and announcements stay valid after the command exits.
	cfg.Listen = withEphemeralPort(cfg.Listen)

	logger := quietLogger(verbose)
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
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := n.Stop(stopCtx); err != nil {
			logger.Warn("Node did not stop cleanly", zap.Error(err))
		}
	}()
	return fn(ctx, n)
}

func withEphemeralPort(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i] + ":0"
	}
	return addr
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// resolveReplica accepts a full replica id or an unambiguous prefix of one.
func resolveReplica(n *node.Node, arg string) (types.ReplicaID, error) {
	if id, err := types.ParseReplicaID(arg); err == nil {
		return id, nil
	}
	var matches []types.ReplicaID
	for _, info := range n.ListReplicas() {
		if strings.HasPrefix(info.ID.String(), strings.ToLower(arg)) {
			matches = append(matches, info.ID)
		}
	}
	switch len(matches) {
	case 0:
		return types.ReplicaID{}, fmt.Errorf("no replica matches %q", arg)
	case 1:
		return matches[0], nil
	}
	return types.ReplicaID{}, fmt.Errorf("%q matches %d replicas", arg, len(matches))
}

// splitTarget parses "<replica>:<path>"; a bare replica means its root.
func splitTarget(n *node.Node, arg string) (types.ReplicaID, string, error) {
	ref, path, _ := strings.Cut(arg, ":")
	id, err := resolveReplica(n, ref)
	if err != nil {
		return types.ReplicaID{}, "", err
	}
	if path == "" {
		path = "/"
	}
	return id, path, nil
}

// loadViper returns the viper instance behind the effective config, for
// the config subcommands.
func loadViper() (*viper.Viper, error) {
	v := config.NewViper()
	if dataDir != "" {
		v.Set("data_dir", dataDir)
	}
	if _, err := config.Load(v, configFile); err != nil {
		return nil, err
	}
	return v, nil
}
