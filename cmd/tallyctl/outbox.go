package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	appbilling "github.com/metering/tally/internal/application/billing"
	appevent "github.com/metering/tally/internal/application/event"
	"github.com/metering/tally/internal/bootstrap"
	"github.com/metering/tally/internal/infrastructure/event"
	"github.com/spf13/cobra"
)

func newOutboxCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and deliver the message outbox",
	}

	withService := func(run func(cmd *cobra.Command, args []string, svc *appevent.OutboxService) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			svc := appevent.NewOutboxService(event.NewGormOutboxRepository(rt.db.DB), rt.log.Named("outbox_admin"))
			return run(cmd, args, svc)
		}
	}

	var filter appevent.OutboxFilter
	dead := &cobra.Command{
		Use:   "dead",
		Short: "List dead letters",
		Args:  cobra.NoArgs,
		RunE: withService(func(cmd *cobra.Command, _ []string, svc *appevent.OutboxService) error {
			result, err := svc.GetDeadLetterEntries(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		}),
	}
	dead.Flags().IntVar(&filter.Page, "page", 1, "Page number")
	dead.Flags().IntVar(&filter.PageSize, "page-size", 20, "Entries per page (max 100)")

	var retryAll bool
	retry := &cobra.Command{
		Use:   "retry [entry-id]",
		Short: "Return dead letters to delivery",
		Args: func(cmd *cobra.Command, args []string) error {
			if retryAll {
				return cobra.NoArgs(cmd, args)
			}
			if err := cobra.ExactArgs(1)(cmd, args); err != nil {
				return fmt.Errorf("entry id required unless --all is set: %w", err)
			}
			if _, err := uuid.Parse(args[0]); err != nil {
				return fmt.Errorf("invalid entry id %q", args[0])
			}
			return nil
		},
		RunE: withService(func(cmd *cobra.Command, args []string, svc *appevent.OutboxService) error {
			if retryAll {
				count, err := svc.RetryAllDeadEntries(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d dead letters returned to delivery\n", count)
				return nil
			}
			entry, err := svc.RetryDeadEntry(cmd.Context(), uuid.MustParse(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		}),
	}
	retry.Flags().BoolVar(&retryAll, "all", false, "Retry every dead letter")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Count entries per status",
			Args:  cobra.NoArgs,
			RunE: withService(func(cmd *cobra.Command, _ []string, svc *appevent.OutboxService) error {
				stats, err := svc.GetStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			}),
		},
		dead,
		retry,
		newOutboxDrainCmd(root),
	)
	return cmd
}

func newOutboxDrainCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver every due tally summary to billing, then exit",
		Long: `Drain runs the outbox processor in the foreground until no entry is due.
Use it when the server runs with outbox.processor_enabled=false.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			processor, err := bootstrap.NewBillingPipeline(cmd.Context(), rt.cfg,
				event.NewGormOutboxRepository(rt.db.DB), rt.factory, nopBillingMetrics{}, rt.log)
			if err != nil {
				return err
			}
			delivered, err := processor.Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "%d entries delivered\n", delivered)
			return err
		},
	}
}

type nopBillingMetrics struct {
	appbilling.NopMetrics
}

func (nopBillingMetrics) RecordOutboxDelivery(context.Context, string, bool) {}
