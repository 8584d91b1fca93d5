// File: cmd/kmeshd/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// kmeshd is the inter-node messaging daemon: it establishes the fixed
// N-node mesh, brings up the completion engine and dispatch registry on
// every peer, runs the C8 key-exchange bootstrap, and then blocks
// forwarding application messages until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmesh-io/kmesh/affinity"
	"github.com/kmesh-io/kmesh/api"
	"github.com/kmesh-io/kmesh/bulk"
	"github.com/kmesh-io/kmesh/channel"
	"github.com/kmesh-io/kmesh/completion"
	"github.com/kmesh-io/kmesh/control"
	"github.com/kmesh-io/kmesh/fabric/uring"
	"github.com/kmesh-io/kmesh/mesh"
)

// cliFlags holds the command line arguments; --config takes precedence
// over the individual flags when set.
type cliFlags struct {
	configPath    string
	nodeID        uint32
	peersCSV      string
	chunkSizeText string
	regionSlots   int
	pinCPU        int
}

var flags cliFlags

var rootCmd = &cobra.Command{
	Use:   "kmeshd",
	Short: "kmeshd runs one node of the inter-node messaging mesh",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := resolveConfig(flags)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML node configuration file")
	rootCmd.Flags().Uint32Var(&flags.nodeID, "node-id", 0, "This node's index into --peers")
	rootCmd.Flags().StringVar(&flags.peersCSV, "peers", "", "Comma-separated list of every node's listen address, in node-id order")
	rootCmd.Flags().StringVar(&flags.chunkSizeText, "chunk-size", "64KB", "Informational chunk size, logged at startup; the compiled-in wire constant is used")
	rootCmd.Flags().IntVar(&flags.regionSlots, "region-slots", 64, "Informational region-pool slot count, logged at startup; the compiled-in wire constant is used")
	rootCmd.Flags().IntVar(&flags.pinCPU, "pin-cpu", -1, "Pin the daemon's main OS thread to this CPU (-1 disables pinning)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func resolveConfig(f cliFlags) (*control.Config, error) {
	if f.configPath != "" {
		return control.LoadConfig(f.configPath)
	}
	if f.peersCSV == "" {
		return nil, errors.New("kmeshd: either --config or --peers is required")
	}
	var chunkSize datasize.ByteSize
	if err := chunkSize.UnmarshalText([]byte(f.chunkSizeText)); err != nil {
		return nil, fmt.Errorf("kmeshd: parse --chunk-size %q: %w", f.chunkSizeText, err)
	}
	cfg := control.DefaultConfig()
	cfg.NodeID = f.nodeID
	cfg.Peers = splitCSV(f.peersCSV)
	cfg.ChunkSize = chunkSize
	cfg.RegionSlots = f.regionSlots
	return cfg, nil
}

func splitCSV(s string) []string {
	raw := strings.Split(s, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if t := strings.TrimSpace(r); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg *control.Config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("kmeshd: build logger: %w", err)
	}
	defer log.Sync()

	if int(cfg.NodeID) >= len(cfg.Peers) {
		return fmt.Errorf("kmeshd: node_id %d out of range for %d peers", cfg.NodeID, len(cfg.Peers))
	}
	log.Info("kmeshd: starting",
		zap.Uint32("node_id", cfg.NodeID),
		zap.Strings("peers", cfg.Peers),
		zap.String("chunk_size", cfg.ChunkSize.String()),
		zap.Int("region_slots", cfg.RegionSlots),
	)

	if flags.pinCPU >= 0 {
		pinner := affinity.NewPinner(api.ScopeThread)
		if err := pinner.Pin(flags.pinCPU, -1); err != nil {
			log.Warn("kmeshd: CPU pinning unavailable, continuing unpinned", zap.Int("cpu", flags.pinCPU), zap.Error(err))
		} else {
			log.Info("kmeshd: pinned main thread", zap.Any("descriptor", pinner.ImmutableDescriptor()))
		}
	}

	fab, err := uring.New()
	if err != nil {
		return fmt.Errorf("kmeshd: construct fabric: %w", err)
	}

	reg := channel.NewRegistry()
	bulk.RegisterKeyExchangeHandler(reg)
	provider := &loopbackProvider{}
	bulkEngine := bulk.NewEngine(cfg.NodeID, provider, log)
	bulkEngine.RegisterHandlers(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var node *control.Node
	var completionEngines []*completion.Engine
	m := mesh.New(cfg.NodeID, cfg.NodeTable(), fab, log, func(pcb *mesh.PeerControlBlock) {
		eng := completion.NewEngine(pcb, reg, 4, log)
		if node != nil {
			eng.SetMetrics(node)
		}
		completionEngines = append(completionEngines, eng)
		go eng.Run(ctx)
		go func() {
			if err := bulk.Bootstrap(ctx, pcb, cfg.NodeID); err != nil {
				log.Error("kmeshd: key-exchange bootstrap failed", zap.Uint32("peer", pcb.ID), zap.Error(err))
			}
		}()
	})
	if cfg.DialInitialInterval > 0 || cfg.DialMaxInterval > 0 {
		m.SetDialBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     cfg.DialInitialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         cfg.DialMaxInterval,
		})
	}

	node = control.NewNode(log, m, cfg)

	wg, runCtx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.Start(runCtx)
	})
	wg.Go(func() error {
		err := waitInterrupted(runCtx)
		log.Info("kmeshd: caught signal, shutting down", zap.Error(err))
		if shErr := node.Shutdown(); shErr != nil {
			log.Error("kmeshd: shutdown error", zap.Error(shErr))
		}
		cancel()
		return nil
	})

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func waitInterrupted(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case s := <-sigCh:
		return fmt.Errorf("signal: %s", s)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopbackProvider is the default application DataProvider used when
// kmeshd runs with no subsystem registered above the messaging
// substrate: bulk reads return zeroed data and writes are discarded.
// Real deployments register their own provider (page coherence, thread
// migration, etc.) in place of this one.
type loopbackProvider struct{}

func (loopbackProvider) Source(_ context.Context, _ *mesh.PeerControlBlock, n uint32) []byte {
	return make([]byte, n)
}

func (loopbackProvider) Store(_ context.Context, _ *mesh.PeerControlBlock, _ []byte) {}
