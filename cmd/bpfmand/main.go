//go:build linux

// Command bpfmand is the privileged daemon that loads, attaches, and
// persists eBPF programs on behalf of front ends talking to its command
// channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bpfman/bpfmand/internal/config"
	"github.com/bpfman/bpfmand/internal/directories"
	"github.com/bpfman/bpfmand/internal/logging"
	"github.com/bpfman/bpfmand/internal/rpcserver"
	"github.com/bpfman/bpfmand/pkg/bpfman"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "bpfmand",
		Short: "load, attach, and persist eBPF programs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", directories.DefaultConfigPath, "path to bpfman.toml")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Load(configPath)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, flush, err := logging.New(cfg.Daemon.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer flush()

	for _, dir := range []string{
		cfg.Storage.RunDir,
		directories.RTDIRFS,
		directories.RTDIRFSMaps,
		directories.RTDIRXdpDispatcher,
		directories.RTDIRTcIngressDispatcher,
		directories.RTDIRTcEgressDispatcher,
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create runtime directory %s: %w", dir, err)
		}
	}

	store, err := bpfman.OpenBoltStore(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open persistent store: %w", err)
	}
	defer store.Close()

	kernel := bpfman.NewCiliumKernelLoader()

	images := bpfman.NewContainerImageStore(directories.RTDIRFS+"/image-cache", log.WithName("image-store"))

	manager := bpfman.NewManager(
		log.WithName("manager"),
		kernel,
		store,
		images,
		directories.RTDIRXdpDispatcher,
		directories.RTDIRTcIngressDispatcher,
		directories.RTDIRTcEgressDispatcher,
		directories.RTDIRFS,
		directories.RTDIRFSMaps,
		cfg.ManagerConfig(),
	)

	log.Info("rebuilding state from persistent store")
	if err := manager.Rebuild(); err != nil {
		return fmt.Errorf("rebuild state: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		images.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return manager.Run(ctx)
	})
	g.Go(func() error {
		return rpcserver.Serve(ctx, cfg.Daemon.SocketPath, manager, log.WithName("rpc"))
	})
	if cfg.Daemon.InactivityTimeoutSecs > 0 {
		g.Go(func() error {
			return watchInactivity(ctx, stop, time.Duration(cfg.Daemon.InactivityTimeoutSecs)*time.Second, manager)
		})
	}

	log.Info("bpfmand ready", "socket", cfg.Daemon.SocketPath)
	if err := g.Wait(); err != nil {
		log.Error(err, "bpfmand exiting with error")
		return err
	}
	log.Info("bpfmand shut down cleanly")
	return nil
}

// watchInactivity shuts the daemon down at the first tick, every timeout,
// that finds the command queue empty (spec §5, §9 "Daemon lifetime"). It is
// deliberately coarse: a tick that finds commands queued is skipped and the
// next tick checks again; commands processed between ticks do not delay the
// shutdown, and it does not interrupt an in-flight command.
func watchInactivity(ctx context.Context, stop context.CancelFunc, timeout time.Duration, manager *bpfman.Manager) error {
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if len(manager.Commands()) == 0 {
				stop()
				return nil
			}
		}
	}
}
