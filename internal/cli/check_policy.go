package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacentio/unikey/store"
)

// UniqueKeyReport describes how one unique key is enforced.
type UniqueKeyReport struct {
	Ordinal int      `json:"ordinal"`
	Paths   []string `json:"paths"`
	Scope   string   `json:"scope"` // "partition" | "global"
}

// PolicyReport is the output of check-policy.
type PolicyReport struct {
	Collection        string            `json:"collection"`
	PartitionKeyPaths []string          `json:"partitionKeyPaths"`
	NumPartitions     int               `json:"numPartitions"`
	UniqueKeys        []UniqueKeyReport `json:"uniqueKeys"`
}

// NewCheckPolicyCommand creates the check-policy command.
func NewCheckPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-policy",
		Short: "Validate a collection's unique key policy",
		Long: `Validate the unique key policy of a collection configuration and report how each
unique key is enforced.

Unique keys whose paths include every partition key path are checked inside one
partition. All other unique keys are checked globally, across partitions.

Examples:
  unikey check-policy --config people.yaml
  unikey check-policy --config people.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckPolicy(rootOpts, cmd)
		},
	}
}

func runCheckPolicy(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	c, err := store.New(cfg, store.NewMemoryDocuments(), nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}

	report := PolicyReport{
		Collection:        cfg.Collection,
		PartitionKeyPaths: cfg.PartitionKeyPaths,
		NumPartitions:     cfg.NumPartitions,
		UniqueKeys:        make([]UniqueKeyReport, 0, len(cfg.UniqueKeyPolicy.UniqueKeys)),
	}
	for i, def := range cfg.UniqueKeyPolicy.UniqueKeys {
		scope := "partition"
		if c.IsGlobal(i) {
			scope = "global"
		}
		report.UniqueKeys = append(report.UniqueKeys, UniqueKeyReport{Ordinal: i, Paths: def.Paths, Scope: scope})
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), report)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Collection %s: %d partition(s), partition key %v\n",
		report.Collection, report.NumPartitions, report.PartitionKeyPaths)
	if len(report.UniqueKeys) == 0 {
		fmt.Fprintln(w, "No unique keys.")
		return nil
	}
	for _, uk := range report.UniqueKeys {
		fmt.Fprintf(w, "  %d %v %s\n", uk.Ordinal, uk.Paths, uk.Scope)
	}
	fmt.Fprintln(w, "✓ Policy valid")
	return nil
}
