package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/WeimengLiu/autoSync/pkg/hashcache"
	"github.com/WeimengLiu/autoSync/pkg/reconcile"
	"github.com/WeimengLiu/autoSync/pkg/synclog"
	"github.com/WeimengLiu/autoSync/pkg/syncengine"
	"github.com/WeimengLiu/autoSync/pkg/watch"
	"github.com/spf13/cobra"
)

// defaultExtensions reproduces the original tool's literal default copy
// set: images, subtitles, and metadata suffixes (spec.md §6).
const defaultExtensions = "jpg,jpeg,png,gif,bmp,webp,ico,svg,nfo,srt,ass,ssa,sub,idx,smi,sup"

var (
	syncExtensions    string
	syncVerbose       bool
	syncBatchSize     int
	syncBatchInterval time.Duration
	syncDeleteOrphans bool
)

var syncCmd = &cobra.Command{
	Use:   "sync input_dir output_dir",
	Short: "Run a standalone reconciler and watcher for one directory pair",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inputDir, outputDir := args[0], args[1]
		extensions := syncengine.NormalizeExtensions(strings.Split(syncExtensions, ","))

		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}

		taskID := "cli"
		cache, err := hashcache.Open(filepath.Join(outputDir, ".db", "file_cache.db"))
		if err != nil {
			return fmt.Errorf("open hash cache: %w", err)
		}
		defer cache.Close()

		logger := synclog.New(outputDir, taskID, syncVerbose)
		defer logger.Close()

		cfg := syncengine.DefaultConfig(taskID, inputDir, outputDir, extensions)
		if syncBatchSize > 0 {
			cfg.BatchSize = syncBatchSize
		}
		if syncBatchInterval > 0 {
			cfg.BatchInterval = syncBatchInterval
		}
		handler := syncengine.New(cfg, cache, logger)
		defer handler.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		opts := reconcile.DefaultOptions()
		opts.Strict = syncDeleteOrphans
		stats, err := reconcile.Run(ctx, handler, logger, inputDir, outputDir, opts)
		if err != nil {
			return fmt.Errorf("initial reconciliation: %w", err)
		}
		logger.Info("initial reconciliation complete: %d files", stats.TotalFiles)

		source, err := watch.NewFSNotify()
		if err != nil {
			return fmt.Errorf("create watch source: %w", err)
		}
		defer source.Close()
		if err := source.Watch(inputDir); err != nil {
			return fmt.Errorf("watch input dir: %w", err)
		}

		logger.Info("watching %s for changes", inputDir)
		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case ev, ok := <-source.Events():
				if !ok {
					return nil
				}
				handler.Dispatch(ev)
			case err, ok := <-source.Errors():
				if !ok {
					continue
				}
				logger.Error("watch error: %v", err)
			}
		}
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncExtensions, "extensions", defaultExtensions, "comma-separated list of extensions to copy by value")
	syncCmd.Flags().BoolVar(&syncVerbose, "verbose", false, "enable verbose logging")
	syncCmd.Flags().IntVar(&syncBatchSize, "batch-size", 0, "batch queue drain size (0 uses the default)")
	syncCmd.Flags().DurationVar(&syncBatchInterval, "batch-interval", 0, "batch queue drain interval (0 uses the default)")
	syncCmd.Flags().BoolVar(&syncDeleteOrphans, "delete-orphans", false, "delete mirror files with no corresponding source during reconciliation")
	rootCmd.AddCommand(syncCmd)
}
