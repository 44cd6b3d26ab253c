package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:     "autosync",
	Short:   "autosync - continuously mirrors a directory tree by copy or symlink",
	Version: "v0.1.0",
	Long: `autosync watches an input directory and keeps an output directory in
sync with it: files whose extension is in the configured copy set are
copied by value, everything else is mirrored as a symlink back to the
source.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "autosync: %v\n", err)
		os.Exit(1)
	}
}
