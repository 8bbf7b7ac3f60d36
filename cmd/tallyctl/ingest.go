package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	apptally "github.com/metering/tally/internal/application/tally"
	"github.com/metering/tally/internal/domain/tally"
	"github.com/spf13/cobra"
)

func newIngestCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file|->",
		Short: "Ingest metric events from a JSON file",
		Long: `Ingest stores events from a JSON file, or stdin when the argument is "-".
The file holds either an array of events or an object with an "events" array.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := readEvents(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			rt, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			svc := apptally.NewIngestService(newScope(rt), nil, rt.log.Named("ingest"))
			result, err := svc.IngestEvents(cmd.Context(), events)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Rejected > 0 {
				return fmt.Errorf("%d events rejected", result.Rejected)
			}
			return nil
		},
	}
}

func readEvents(stdin io.Reader, name string) ([]*tally.Event, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return decodeEvents(data)
}

// decodeEvents accepts a bare array or an {"events": [...]} envelope
func decodeEvents(data []byte) ([]*tally.Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("no events")
	}

	var events []*tally.Event
	if data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
	} else {
		var envelope struct {
			Events []*tally.Event `json:"events"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		events = envelope.Events
	}
	if len(events) == 0 {
		return nil, errors.New("no events")
	}
	return events, nil
}
