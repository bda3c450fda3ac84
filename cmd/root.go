package cmd

import (
	"fmt"
	"github.com/ValentinKolb/memdb/cmd/bench"
	"github.com/ValentinKolb/memdb/cmd/serve"
	"github.com/spf13/cobra"
	"os"
	"runtime"
)

const (
	Version = "1.0.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "memdb",
		Short: "in-memory key-value store server",
		Long: fmt.Sprintf(`memdb (v%s)

An in-memory key-value store server written in Go. A single event loop
multiplexes all client connections and hands requests to a pool of
worker threads operating on a sharded hash table.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of memdb",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "memdb v%s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)

	RootCmd.Version = Version
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
