package main

import (
	"errors"
	"fmt"
	"time"

	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/config"
	"github.com/metering/tally/internal/infrastructure/event"
	"github.com/metering/tally/internal/infrastructure/persistence"
	"github.com/metering/tally/internal/infrastructure/scheduler"
	"github.com/spf13/cobra"
)

type collectOptions struct {
	account     string
	serviceType string
	all         bool
	start       string
	end         string
	lookback    time.Duration
}

func newCollectCmd(root *rootOptions) *cobra.Command {
	opts := &collectOptions{}

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect usage and produce snapshots",
		Long: `Collect runs one tally. With --account and --service-type it collects that
pair; with --all it collects every pair that has events in the range.

Without --start and --end the range is the completed hours covered by --lookback.`,
		Example: `  tallyctl collect --account 1234 --service-type "RHEL System"
  tallyctl collect --all --start 2024-03-10T00:00:00Z --end 2024-03-10T06:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			r, err := opts.dateRange(tally.NewClock())
			if err != nil {
				return err
			}

			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			svc, err := newTallyService(cmd, rt)
			if err != nil {
				return err
			}

			if opts.all {
				result, err := svc.ProduceSnapshotsForAll(cmd.Context(), r)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if result.Failed > 0 {
					return fmt.Errorf("%d of %d collections failed", result.Failed, result.Total)
				}
				return nil
			}

			result, err := svc.ProduceSnapshots(cmd.Context(), opts.account, opts.serviceType, r)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.account, "account", "", "Account number to collect")
	f.StringVar(&opts.serviceType, "service-type", "", "Service type to collect")
	f.BoolVar(&opts.all, "all", false, "Collect every account and service type with events in range")
	f.StringVar(&opts.start, "start", "", "Range start, RFC3339, on the hour")
	f.StringVar(&opts.end, "end", "", "Range end, RFC3339, on the hour")
	f.DurationVar(&opts.lookback, "lookback", time.Hour, "Completed hours to collect when no range is given")
	cmd.MarkFlagsMutuallyExclusive("all", "account")
	cmd.MarkFlagsMutuallyExclusive("all", "service-type")
	cmd.MarkFlagsRequiredTogether("account", "service-type")
	cmd.MarkFlagsRequiredTogether("start", "end")
	return cmd
}

func (o *collectOptions) validate() error {
	if !o.all && (o.account == "" || o.serviceType == "") {
		return errors.New("either --all or both --account and --service-type are required")
	}
	return nil
}

// dateRange resolves the collection range from the flags
func (o *collectOptions) dateRange(clock *tally.Clock) (tally.DateRange, error) {
	if o.start == "" && o.end == "" {
		return scheduler.CollectionRange(clock, o.lookback), nil
	}
	start, err := time.Parse(time.RFC3339, o.start)
	if err != nil {
		return tally.DateRange{}, fmt.Errorf("invalid --start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, o.end)
	if err != nil {
		return tally.DateRange{}, fmt.Errorf("invalid --end: %w", err)
	}
	return tally.NewDateRange(start, end)
}

func newTallyService(cmd *cobra.Command, rt *runtime) (*apptally.TallyService, error) {
	profile, err := config.LoadTagProfile(rt.cfg.Tally.TagProfilePath)
	if err != nil {
		return nil, err
	}
	locker, err := rt.factory.CreateKeyLocker(cmd.Context())
	if err != nil {
		return nil, err
	}
	return apptally.NewTallyService(newScope(rt), profile, locker, nil, tally.NewClock(), rt.log.Named("tally"),
		apptally.TallyServiceConfig{
			CollectionTimeout: rt.cfg.Tally.CollectionTimeout,
			PublishSummaries:  rt.cfg.Tally.PublishSummaries,
		}), nil
}

func newScope(rt *runtime) *persistence.GormTransactionScope {
	return persistence.NewGormTransactionScope(rt.db.DB, event.NewTxPublisherFactory(rt.cfg.Outbox.MaxRetries))
}
