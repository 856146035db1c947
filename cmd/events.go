// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relcore/pgcore/cmd/flags"
	"github.com/relcore/pgcore/pkg/eventstore"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Append to and read from the event log",
	}
	flags.SchemaFlag(cmd, "EVENTSTORE_SCHEMA", "eventstore")

	cmd.AddCommand(eventsInitCmd())
	cmd.AddCommand(eventsRegisterTypeCmd())
	cmd.AddCommand(eventsAppendCmd())
	cmd.AddCommand(eventsReadStreamCmd())
	cmd.AddCommand(eventsPollCmd())
	cmd.AddCommand(eventsAckCmd())
	cmd.AddCommand(eventsExportAggregateCmd())

	return cmd
}

func openEventStore(cmd *cobra.Command) (*eventstore.Store, error) {
	return eventstore.New(cmd.Context(), flags.PostgresURL(), viper.GetString("EVENTSTORE_SCHEMA"))
}

func eventsInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Install the event store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openEventStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sp, _ := pterm.DefaultSpinner.WithText("Initializing event store schema...").Start()
			if err := s.Init(cmd.Context()); err != nil {
				sp.Fail(fmt.Sprintf("Failed to initialize: %s", err))
				return err
			}
			sp.Success("Initialization complete")
			return nil
		},
	}
}

func eventsRegisterTypeCmd() *cobra.Command {
	var category, eventType string

	c := &cobra.Command{
		Use:   "register-type",
		Short: "Register a category and event type so events of that type can be appended",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openEventStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.RegisterCategory(cmd.Context(), category); err != nil {
				return err
			}
			return s.RegisterEventType(cmd.Context(), category, eventType)
		},
	}

	c.Flags().StringVar(&category, "category", "", "event category")
	c.Flags().StringVar(&eventType, "type", "", "event type")
	c.MarkFlagRequired("category")
	c.MarkFlagRequired("type")

	return c
}

func eventsAppendCmd() *cobra.Command {
	var stream, category, eventType, data, metadata string
	var expectedVersion int64

	c := &cobra.Command{
		Use:   "append",
		Short: "Append one event to a stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openEventStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			req := eventstore.AppendRequest{
				StreamID:        stream,
				Category:        category,
				Type:            eventType,
				ExpectedVersion: &expectedVersion,
			}
			if data != "" {
				req.Data = json.RawMessage(data)
			}
			if metadata != "" {
				req.Metadata = json.RawMessage(metadata)
			}

			event, err := s.Append(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(event)
		},
	}

	c.Flags().StringVar(&stream, "stream", "", "stream id")
	c.Flags().StringVar(&category, "category", "", "event category")
	c.Flags().StringVar(&eventType, "type", "", "event type")
	c.Flags().StringVar(&data, "data", "", "event payload as a JSON object")
	c.Flags().StringVar(&metadata, "metadata", "", "event metadata as a JSON object")
	c.Flags().Int64Var(&expectedVersion, "expected-version", -1, "expected current stream version, -1 requires a fresh stream")
	c.MarkFlagRequired("stream")
	c.MarkFlagRequired("category")
	c.MarkFlagRequired("type")

	return c
}

func eventsReadStreamCmd() *cobra.Command {
	var stream string
	var fromVersion int64
	var limit int
	var backward bool

	c := &cobra.Command{
		Use:   "read-stream",
		Short: "Read events from one stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openEventStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			direction := eventstore.Forward
			if backward {
				direction = eventstore.Backward
			}

			events, err := s.ReadStream(cmd.Context(), stream, fromVersion, limit, direction)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}

	c.Flags().StringVar(&stream, "stream", "", "stream id")
	c.Flags().Int64Var(&fromVersion, "from-version", 0, "version to start reading from")
	c.Flags().IntVar(&limit, "limit", 100, "maximum number of events to return")
	c.Flags().BoolVar(&backward, "backward", false, "read newest first")
	c.MarkFlagRequired("stream")

	return c
}

func eventsPollCmd() *cobra.Command {
	var subscription string
	var batchSize int
	var claimTimeout time.Duration

	c := &cobra.Command{
		Use:   "poll",
		Short: "Claim the next batch of unprocessed events for a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openEventStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.GetSubscription(cmd.Context(), subscription); err != nil {
				if _, err := s.CreateSubscription(cmd.Context(), subscription, nil, nil); err != nil {
					return err
				}
			}

			events, err := s.Poll(cmd.Context(), subscription, batchSize, claimTimeout)
			if err != nil {
				return err
			}
			return printJSON(events)
		},
	}

	c.Flags().StringVar(&subscription, "subscription", "", "subscription name")
	c.Flags().IntVar(&batchSize, "batch-size", 100, "maximum number of events to claim")
	c.Flags().DurationVar(&claimTimeout, "claim-timeout", time.Minute, "how long a claim stays exclusive before it expires")
	c.MarkFlagRequired("subscription")

	return c
}

func eventsAckCmd() *cobra.Command {
	var subscription string
	var position int64

	c := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a processed event, advancing the subscription cursor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openEventStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			return s.Ack(cmd.Context(), subscription, position)
		},
	}

	c.Flags().StringVar(&subscription, "subscription", "", "subscription name")
	c.Flags().Int64Var(&position, "position", 0, "position being acknowledged")
	c.MarkFlagRequired("subscription")
	c.MarkFlagRequired("position")

	return c
}

func eventsExportAggregateCmd() *cobra.Command {
	var aggregate, stream string

	c := &cobra.Command{
		Use:   "export-aggregate",
		Short: "Export a loaded aggregate's folded state as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openEventStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			state, err := s.LoadAggregate(cmd.Context(), aggregate, stream)
			if err != nil {
				return err
			}
			return printYAML(state)
		},
	}

	c.Flags().StringVar(&aggregate, "aggregate", "", "registered aggregate name")
	c.Flags().StringVar(&stream, "stream", "", "stream id")
	c.MarkFlagRequired("aggregate")
	c.MarkFlagRequired("stream")

	return c
}
