// docadmin is the operator CLI for the ingestion pipeline. It reads and
// edits the checkpoint and failure-log objects directly, so it needs storage
// access to the output bucket and nothing else.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Lllllllleong/docingest/internal/gcp"
	"github.com/Lllllllleong/docingest/internal/services"
	"github.com/spf13/cobra"
)

var outputBucket string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "docadmin",
		Short:        "Inspect and repair document ingestion units",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&outputBucket, "bucket", os.Getenv("OUTPUT_BUCKET"),
		"output bucket holding checkpoint records (defaults to $OUTPUT_BUCKET)")

	root.AddCommand(newStatusCmd(), newUnitsCmd(), newFailuresCmd(), newResetCmd())
	return root
}

func newAdmin(cmd *cobra.Command) (*services.Admin, error) {
	if outputBucket == "" {
		return nil, fmt.Errorf("--bucket or OUTPUT_BUCKET must be set")
	}
	client, err := gcp.NewStorageClient(cmd.Context())
	if err != nil {
		return nil, err
	}
	return services.NewAdmin(gcp.NewBucketStore(client, outputBucket)), nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <unit>",
		Short: "Print a unit's checkpoint record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdmin(cmd)
			if err != nil {
				return err
			}
			rec, err := admin.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newUnitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List every unit with a checkpoint record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdmin(cmd)
			if err != nil {
				return err
			}
			units, err := admin.Units(cmd.Context())
			if err != nil {
				return err
			}
			for _, unit := range units {
				fmt.Fprintln(cmd.OutOrStdout(), unit)
			}
			return nil
		},
	}
}

func newFailuresCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "failures <unit>",
		Short: "List a unit's failed sub-units for one stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdmin(cmd)
			if err != nil {
				return err
			}
			entries, err := admin.Failures(cmd.Context(), args[0], scope)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no failures recorded")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n",
					e.SubUnit, e.Timestamp.Format(time.RFC3339), e.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "chunks", "failure log to read: chunks or embeddings")
	return cmd
}

func newResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset <unit>",
		Short: "Reset a unit's checkpoint to NEW so it reprocesses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset %s without --yes", args[0])
			}
			admin, err := newAdmin(cmd)
			if err != nil {
				return err
			}
			if err := admin.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unit %s reset to NEW\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
