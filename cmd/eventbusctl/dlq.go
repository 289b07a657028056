package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/partnerforge/lib-eventbus/eventbus/dlq"
	dlqpostgres "github.com/partnerforge/lib-eventbus/eventbus/dlq/postgres"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered events",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}

		defer db.Close()

		store, err := dlqpostgres.NewStore(db)
		if err != nil {
			return err
		}

		entries, err := store.List(cmd.Context(), limit)
		if err != nil {
			return err
		}

		writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "EVENT ID\tTYPE\tCONSUMER\tATTEMPTS\tDEAD-LETTERED AT\tREPLAYED")

		for _, entry := range entries {
			replayed := "no"
			if entry.ReplayedAt != nil {
				replayed = entry.ReplayedAt.Format("2006-01-02 15:04:05")
			}

			fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\t%s\n",
				entry.EventID,
				entry.Envelope.EventType,
				entry.ConsumerName,
				entry.Attempts,
				entry.DeadLetteredAt.Format("2006-01-02 15:04:05"),
				replayed,
			)
		}

		return writer.Flush()
	},
}

var dlqShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one dead-lettered event, envelope and failure history included",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid event id %q: %w", args[0], err)
		}

		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}

		defer db.Close()

		store, err := dlqpostgres.NewStore(db)
		if err != nil {
			return err
		}

		entry, err := store.Get(cmd.Context(), eventID)
		if err != nil {
			return err
		}

		return printEntryJSON(cmd, entry)
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <event-id>",
	Short: "Re-inject a dead-lettered event onto its original topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid event id %q: %w", args[0], err)
		}

		db, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}

		defer db.Close()

		store, err := dlqpostgres.NewStore(db)
		if err != nil {
			return err
		}

		client, closeBroker, err := openBroker()
		if err != nil {
			return err
		}

		defer closeBroker()

		router, err := dlq.NewRouter(store, client)
		if err != nil {
			return err
		}

		if err := router.Replay(cmd.Context(), eventID); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "replayed %s\n", eventID)

		return nil
	},
}

func printEntryJSON(cmd *cobra.Command, entry *dlq.Entry) error {
	type envelopeView struct {
		EventID       string          `json:"event_id"`
		EventType     string          `json:"event_type"`
		SchemaVersion int             `json:"schema_version"`
		AggregateID   string          `json:"aggregate_id"`
		OccurredAt    string          `json:"occurred_at"`
		Payload       json.RawMessage `json:"payload"`
	}

	view := struct {
		Envelope       envelopeView `json:"envelope"`
		ConsumerName   string       `json:"consumer_name"`
		FailureReason  string       `json:"failure_reason"`
		Attempts       int          `json:"attempts"`
		AttemptErrors  []string     `json:"attempt_errors"`
		DeadLetteredAt string       `json:"dead_lettered_at"`
		ReplayedAt     *string      `json:"replayed_at"`
	}{
		Envelope: envelopeView{
			EventID:       entry.EventID.String(),
			EventType:     entry.Envelope.EventType,
			SchemaVersion: entry.Envelope.SchemaVersion,
			AggregateID:   entry.Envelope.AggregateID.String(),
			OccurredAt:    entry.Envelope.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"),
			Payload:       entry.Envelope.Payload,
		},
		ConsumerName:   entry.ConsumerName,
		FailureReason:  entry.FailureReason,
		Attempts:       entry.Attempts,
		AttemptErrors:  entry.AttemptErrors,
		DeadLetteredAt: entry.DeadLetteredAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}

	if entry.ReplayedAt != nil {
		replayedAt := entry.ReplayedAt.Format("2006-01-02T15:04:05.000Z07:00")
		view.ReplayedAt = &replayedAt
	}

	encoded, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))

	return nil
}

func init() {
	dlqListCmd.Flags().Int("limit", 20, "maximum number of entries to list")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
}
