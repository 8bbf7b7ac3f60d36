package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/metering/tally/internal/domain/tally"
	"github.com/metering/tally/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

func newTagProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag-profile",
		Short: "Inspect the product tag profile",
	}

	var path string
	cmd.PersistentFlags().StringVar(&path, "file", "", "Tag profile YAML; the embedded default when empty")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Check that a tag profile loads",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				profile, err := config.LoadTagProfile(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %d tag mappings, %d service types\n",
					len(profile.Mappings), len(profile.MetaData))
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "List service types with their tags and granularities",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				profile, err := config.LoadTagProfile(path)
				if err != nil {
					return err
				}
				return writeServiceTypes(cmd, profile)
			},
		},
	)
	return cmd
}

func writeServiceTypes(cmd *cobra.Command, profile *tally.TagProfile) error {
	serviceTypes := make([]string, 0, len(profile.MetaData))
	for _, md := range profile.MetaData {
		serviceTypes = append(serviceTypes, md.ServiceType)
	}
	sort.Strings(serviceTypes)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE TYPE\tTAGS\tGRANULARITIES")
	for _, st := range serviceTypes {
		fmt.Fprintf(w, "%s\t%v\t%v\n", st, profile.TagsForServiceType(st), profile.GranularitiesForServiceType(st))
	}
	return w.Flush()
}
