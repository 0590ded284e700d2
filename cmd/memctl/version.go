package main

import (
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joshuapare/memkit/mem/kmem"
)

// Set with -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func printVersion() {
	printInfo("memctl %s\n", version)
	printInfo("  commit:   %s\n", commit)
	printInfo("  built:    %s\n", date)
	printInfo("  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	printInfo("  profiles: %s\n", strings.Join(kmem.ProfileNames(), ", "))
}
