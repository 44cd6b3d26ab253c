package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/WeimengLiu/autoSync/pkg/api"
	"github.com/WeimengLiu/autoSync/pkg/config"
	"github.com/WeimengLiu/autoSync/pkg/hashcache"
	"github.com/WeimengLiu/autoSync/pkg/tasks"
	"github.com/spf13/cobra"
)

var (
	serveRoot          string
	serveAddr          string
	serveVerbose       bool
	serveSweepInterval time.Duration
	serveSweepMaxAge   time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task supervisor and HTTP admin surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveRoot == "" {
			dir, err := config.DataDir()
			if err != nil {
				return fmt.Errorf("resolve default data dir: %w", err)
			}
			serveRoot = dir
		}

		cache, err := hashcache.Open(filepath.Join(serveRoot, ".db", "file_cache.db"))
		if err != nil {
			return fmt.Errorf("open hash cache: %w", err)
		}
		defer cache.Close()

		sup := tasks.NewSupervisor(serveRoot, cache, serveVerbose)
		if err := sup.Load(); err != nil {
			return fmt.Errorf("load task registry: %w", err)
		}
		defer sup.StopAll()

		if serveSweepInterval > 0 {
			sup.StartCacheSweep(serveSweepInterval, serveSweepMaxAge)
		}

		server := api.NewServer(sup, serveRoot)
		httpServer := &http.Server{Addr: serveAddr, Handler: server}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		errCh := make(chan error, 1)
		go func() {
			errCh <- httpServer.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveRoot, "root", "", "directory holding the task registry, hash cache, and logs (default: OS config dir)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "address for the HTTP admin surface")
	serveCmd.Flags().BoolVar(&serveVerbose, "verbose", false, "enable verbose logging for every task")
	serveCmd.Flags().DurationVar(&serveSweepInterval, "cache-sweep-interval", 0, "run a hash cache expiry sweep on this interval (0 disables it)")
	serveCmd.Flags().DurationVar(&serveSweepMaxAge, "cache-sweep-max-age", tasks.DefaultSweepMaxAge, "cache entries whose last_check predates this age are deleted by the sweep")
	rootCmd.AddCommand(serveCmd)
}
