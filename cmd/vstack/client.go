package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"vstack/internal/id"
	"vstack/internal/reader"
	"vstack/internal/writer"
)

func putCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a file as a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinatorURL, _ := cmd.Flags().GetString("coordinator")
			title, _ := cmd.Flags().GetString("title")
			chunkBytes, _ := cmd.Flags().GetInt("chunk-bytes")

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			if title == "" {
				title = args[0]
			}

			w := writer.New(writer.Config{
				CoordinatorURL: coordinatorURL,
				ChunkBytes:     chunkBytes,
				Logger:         logger,
			})
			result, err := w.Upload(cmd.Context(), title, f)
			if err != nil {
				return err
			}
			fmt.Printf("stream %s: %d chunks committed\n", result.Stream.StreamID, len(result.Chunks))
			return nil
		},
	}
	cmd.Flags().String("coordinator", envOr("VSTACK_COORDINATOR_URL", "http://localhost:8080"), "coordinator base URL")
	cmd.Flags().String("title", "", "stream title (defaults to the file name)")
	cmd.Flags().Int("chunk-bytes", writer.DefaultChunkBytes, "chunk payload size")
	return cmd
}

func fetchCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <stream-id>",
		Short: "Fetch a stream with the adaptive reader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			coordinatorURL, _ := cmd.Flags().GetString("coordinator")
			out, _ := cmd.Flags().GetString("out")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			startSec, _ := cmd.Flags().GetInt("buffer-start")
			targetSec, _ := cmd.Flags().GetInt("buffer-target")

			streamID, err := id.ParseStreamID(args[0])
			if err != nil {
				return err
			}

			manifest, err := reader.FetchManifest(cmd.Context(), nil, coordinatorURL, streamID)
			if err != nil {
				return err
			}

			var sink io.Writer = io.Discard
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				sink = f
			}

			session := reader.NewSession(manifest, reader.Config{
				Concurrency: concurrency,
				StartSec:    startSec,
				TargetSec:   targetSec,
				Logger:      logger,
			})
			err = session.Run(cmd.Context(), func(seq int, data []byte) error {
				if data == nil {
					logger.Warn("chunk missing from every replica", "seq", seq)
					return nil
				}
				_, werr := sink.Write(data)
				return werr
			})
			if err != nil {
				return err
			}

			fmt.Printf("stream %s: %d chunks, %d stalls, %d failed\n",
				manifest.StreamID, manifest.ChunkCount,
				session.Buffer().Stalls(), session.FailedChunks())
			return nil
		},
	}
	cmd.Flags().String("coordinator", envOr("VSTACK_COORDINATOR_URL", "http://localhost:8080"), "coordinator base URL")
	cmd.Flags().String("out", "", "output file (discard when empty)")
	cmd.Flags().Int("concurrency", reader.DefaultConcurrency, "parallel chunk downloads")
	cmd.Flags().Int("buffer-start", reader.DefaultStartSec, "buffered seconds before playback")
	cmd.Flags().Int("buffer-target", reader.DefaultTargetSec, "prefetch target in seconds")
	return cmd
}
