package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joshuapare/memkit/mem/kmem"
)

func init() {
	rootCmd.AddCommand(newProfilesCmd())
}

func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles [name]",
		Short: "List built-in target profiles or show one as YAML",
		Long: `The profiles command lists the built-in target profiles. Given a name it
prints that profile as a YAML config file, ready to edit and pass back
with --config.

Example:
  memctl profiles
  memctl profiles cortex-m > board.yaml
  memctl profiles --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProfiles(args)
		},
	}
	return cmd
}

type profileSummary struct {
	Name     string `json:"name"`
	RAMSize  uint64 `json:"ram_size"`
	PageSize uint64 `json:"page_size"`
	WordSize uint64 `json:"word_size"`
	Heap     string `json:"heap"`
}

func runProfiles(args []string) error {
	if len(args) == 1 {
		cfg, ok := kmem.Profiles[args[0]]
		if !ok {
			return fmt.Errorf("unknown profile %q (have %v)", args[0], kmem.ProfileNames())
		}
		if jsonOut {
			return printJSON(cfg)
		}
		out, err := cfg.Marshal()
		if err != nil {
			return fmt.Errorf("failed to render profile: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	summaries := make([]profileSummary, 0, len(kmem.Profiles))
	for _, name := range kmem.ProfileNames() {
		cfg := kmem.Profiles[name]
		summaries = append(summaries, profileSummary{
			Name:     cfg.Name,
			RAMSize:  cfg.RAMSize,
			PageSize: cfg.PageSize,
			WordSize: cfg.WordSize,
			Heap:     string(cfg.Heap),
		})
	}
	if jsonOut {
		return printJSON(summaries)
	}

	t := newTextTable("PROFILE", "RAM", "PAGE", "WORD", "HEAP").alignRight(1, 2, 3)
	for _, s := range summaries {
		t.row(s.Name, formatBytes(s.RAMSize), strconv.FormatUint(s.PageSize, 10), strconv.FormatUint(s.WordSize, 10), s.Heap)
	}
	printTable(t, 0)
	return nil
}
