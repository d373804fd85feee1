package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"vstack/internal/id"
	"vstack/internal/node"
	"vstack/internal/store"
)

func nodeCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			addr, _ := cmd.Flags().GetString("addr")
			advertise, _ := cmd.Flags().GetString("advertise")
			nodeID, _ := cmd.Flags().GetString("id")
			coordinatorURL, _ := cmd.Flags().GetString("coordinator")
			maxSuperblock, _ := cmd.Flags().GetInt64("max-superblock")
			maxChunk, _ := cmd.Flags().GetInt64("max-chunk")
			capacity, _ := cmd.Flags().GetInt64("capacity")
			warn, _ := cmd.Flags().GetFloat64("warn-usage")
			crit, _ := cmd.Flags().GetFloat64("crit-usage")
			heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
			snapshot, _ := cmd.Flags().GetDuration("snapshot-interval")

			if nodeID == "" {
				nodeID = fmt.Sprintf("node-%d", os.Getpid())
			}
			if advertise == "" {
				advertise = "http://localhost" + addr
			}

			st, err := store.Open(store.Config{
				Dir:           dir,
				NodeID:        id.NodeID(nodeID),
				MaxSuperblock: maxSuperblock,
				MaxChunk:      maxChunk,
				Capacity:      capacity,
				WarnUsage:     warn,
				CritUsage:     crit,
				Logger:        logger,
			})
			if err != nil {
				return err
			}

			n, err := node.New(node.Config{
				NodeID:            id.NodeID(nodeID),
				AdvertiseURL:      advertise,
				CoordinatorURL:    coordinatorURL,
				Version:           version,
				HeartbeatInterval: heartbeat,
				SnapshotInterval:  snapshot,
				Logger:            logger,
			}, st)
			if err != nil {
				_ = st.Close()
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			if err := n.Start(ctx); err != nil {
				_ = st.Close()
				return err
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           n.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("storage node listening", "addr", addr, "node", nodeID)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				_ = n.Stop()
				return err
			}
			return n.Stop()
		},
	}

	cmd.Flags().String("dir", envOr("VSTACK_DATA_DIR", "./vstack-data"), "data directory")
	cmd.Flags().String("addr", envOr("VSTACK_NODE_ADDR", ":9000"), "listen address")
	cmd.Flags().String("advertise", envOr("VSTACK_ADVERTISE_URL", ""), "URL peers use to reach this node")
	cmd.Flags().String("id", envOr("VSTACK_NODE_ID", ""), "stable node id")
	cmd.Flags().String("coordinator", envOr("VSTACK_COORDINATOR_URL", ""), "coordinator base URL")
	cmd.Flags().Int64("max-superblock", store.DefaultMaxSuperblock, "superblock size cap in bytes")
	cmd.Flags().Int64("max-chunk", store.DefaultMaxChunk, "chunk payload ceiling in bytes")
	cmd.Flags().Int64("capacity", store.DefaultCapacity, "advertised disk capacity in bytes")
	cmd.Flags().Float64("warn-usage", store.DefaultWarnUsage, "disk usage warning threshold")
	cmd.Flags().Float64("crit-usage", store.DefaultCritUsage, "disk usage critical threshold")
	cmd.Flags().Duration("heartbeat-interval", node.DefaultHeartbeatInterval, "heartbeat period")
	cmd.Flags().Duration("snapshot-interval", node.DefaultSnapshotInterval, "index snapshot period")
	return cmd
}
