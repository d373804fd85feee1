package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"vstack/internal/coordinator"
)

func coordinatorCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Run the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			dbPath, _ := cmd.Flags().GetString("db")
			heartbeatTimeout, _ := cmd.Flags().GetDuration("heartbeat-timeout")
			probeDeadline, _ := cmd.Flags().GetDuration("probe-deadline")
			popularityHot, _ := cmd.Flags().GetInt64("popularity-hot")
			replication, _ := cmd.Flags().GetInt("replication")
			dataShards, _ := cmd.Flags().GetInt("erasure-data")
			parityShards, _ := cmd.Flags().GetInt("erasure-parity")
			warn, _ := cmd.Flags().GetFloat64("warn-usage")
			crit, _ := cmd.Flags().GetFloat64("crit-usage")

			coord, err := coordinator.New(coordinator.Config{
				DBPath:           dbPath,
				HeartbeatTimeout: heartbeatTimeout,
				ProbeDeadline:    probeDeadline,
				PopularityHot:    popularityHot,
				Replication:      replication,
				DataShards:       dataShards,
				ParityShards:     parityShards,
				WarnUsage:        warn,
				CritUsage:        crit,
				Logger:           logger,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			srv := &http.Server{
				Addr:              addr,
				Handler:           coord.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("coordinator listening", "addr", addr, "db", dbPath)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				_ = coord.Close()
				return err
			}
			return coord.Close()
		},
	}

	cmd.Flags().String("addr", envOr("VSTACK_COORDINATOR_ADDR", ":8080"), "listen address")
	cmd.Flags().String("db", envOr("VSTACK_DB_PATH", "./vstack-coordinator.db"), "catalog database path")
	cmd.Flags().Duration("heartbeat-timeout", coordinator.DefaultHeartbeatTimeout, "heartbeat age limit")
	cmd.Flags().Duration("probe-deadline", coordinator.DefaultProbeDeadline, "prepare head-request deadline")
	cmd.Flags().Int64("popularity-hot", coordinator.DefaultPopularityHot, "popularity threshold for replication")
	cmd.Flags().Int("replication", coordinator.DefaultReplication, "replica factor for hot streams")
	cmd.Flags().Int("erasure-data", 3, "erasure data shards K")
	cmd.Flags().Int("erasure-parity", 2, "erasure parity shards M")
	cmd.Flags().Float64("warn-usage", coordinator.DefaultWarnUsage, "disk usage warning threshold")
	cmd.Flags().Float64("crit-usage", coordinator.DefaultCritUsage, "disk usage critical threshold")
	return cmd
}
