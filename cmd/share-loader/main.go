package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-share-loader/internal/config"
	"github.com/withObsrvr/obsrvr-share-loader/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "share-loader",
		Short:         "Ingest share files into the ledger and upload them to the data platform",
		Version:       workflow.Version + " (" + workflow.GitSHA + ")",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newScanCmd(),
		newPartitionCmd(),
		newLoadCmd(),
		newWorkflowCmd(),
	)
	return root
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Record new source share files in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), config.ModeScan, func(ctx context.Context, a *app) error {
				_, err := a.scan(ctx)
				return err
			})
		},
	}
}

func newPartitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partition",
		Short: "Split unprocessed ledger records into workload manifests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), config.ModePartition, func(ctx context.Context, a *app) error {
				_, err := a.partition(ctx)
				return err
			})
		},
	}
}

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Scan the source share, then partition the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), config.ModeLoad, func(ctx context.Context, a *app) error {
				if _, err := a.scan(ctx); err != nil {
					return err
				}
				_, err := a.partition(ctx)
				return err
			})
		},
	}
}

func newWorkflowCmd() *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Upload the records of one workload manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), config.ModeWorkflow, func(ctx context.Context, a *app) error {
				if manifest != "" {
					a.cfg.WorkflowRecord = manifest
				}
				_, err := a.workflow(ctx)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "manifest key to process (overrides WORKFLOW_RECORD)")
	return cmd
}
