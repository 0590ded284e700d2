package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/memkit/internal/logger"
	"github.com/joshuapare/memkit/mem/kmem"
)

var (
	// Global flags
	verbose     bool
	quiet       bool
	jsonOut     bool
	configPath  string
	profileName string
)

// num formats counts and byte sizes with digit grouping.
var num = message.NewPrinter(language.English)

var rootCmd = &cobra.Command{
	Use:   "memctl",
	Short: "Boot, inspect and exercise the kernel memory manager",
	Long: `memctl boots the page allocator, heap and virtual segment manager for a
target profile in a simulated RAM arena, then reports on it or drives a
workload through it. Every command boots a fresh instance.`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose && !quiet {
			logger.Init(logger.Options{Enabled: true, Level: slog.LevelDebug})
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and allocator debug logs")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML target config file")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "Built-in target profile (see 'memctl profiles')")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves --config, then --profile, then the default profile.
func loadConfig() (kmem.Config, error) {
	if configPath != "" {
		return kmem.LoadConfig(configPath)
	}
	if profileName == "" {
		return kmem.DefaultConfig(), nil
	}
	cfg, ok := kmem.Profiles[profileName]
	if !ok {
		return kmem.Config{}, fmt.Errorf("unknown profile %q (have %v)", profileName, kmem.ProfileNames())
	}
	return cfg, nil
}

// bootKernel boots the configured target. The caller closes it.
func bootKernel() (*kmem.Kernel, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	printVerbose("Booting profile %s (%s RAM, %d-byte pages, %s heap)\n",
		cfg.Name, formatBytes(cfg.RAMSize), cfg.PageSize, cfg.Heap)
	k, err := kmem.Boot(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to boot: %w", err)
	}
	return k, nil
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// formatBytes renders a byte count in the largest whole binary unit.
func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return num.Sprintf("%d MiB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return num.Sprintf("%d KiB", n>>10)
	default:
		return num.Sprintf("%d B", n)
	}
}
