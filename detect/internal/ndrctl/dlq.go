package ndrctl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	natsclient "github.com/telhawk-systems/telhawk-ndr/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-ndr/common/output"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/sink"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect alerts no sink accepted",
	Long: `Alerts that every retry failed to deliver are kept in the NDR_DLQ
JetStream stream, one subject per sink (ndr.dlq.alerts.<sink>).`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinkName, _ := cmd.Flags().GetString("sink")
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("limit must be positive")
		}

		js, err := connectJetStream()
		if err != nil {
			return err
		}
		defer js.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		msgs, err := js.Peek(ctx, natsclient.AlertsDLQStream.Name, dlqFilter(sinkName), limit)
		if err != nil {
			return err
		}
		entries, bad := decodeDeadLetters(msgs)
		if bad > 0 {
			out.Warn("%d message(s) were not dead-letter entries", bad)
		}

		if jsonOutput(cmd) {
			return out.JSON(entries)
		}
		if len(entries) == 0 {
			out.Info("No dead-lettered alerts")
			return nil
		}
		t := output.NewTable("FAILED AT", "SINK", "SEVERITY", "THREAT", "SOURCE", "ERROR")
		for _, e := range entries {
			t.AddRow(e.FailedAt.Local().Format(time.DateTime), e.Sink,
				e.Alert.Severity.String(), e.Alert.ThreatType.String(), e.Alert.Source, e.Error)
		}
		out.Render(t)
		return nil
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dead-lettered alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if force, _ := cmd.Flags().GetBool("force"); !force {
			return fmt.Errorf("use --force to confirm purging the dead-letter stream")
		}
		sinkName, _ := cmd.Flags().GetString("sink")

		js, err := connectJetStream()
		if err != nil {
			return err
		}
		defer js.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := js.Purge(ctx, natsclient.AlertsDLQStream.Name, dlqFilter(sinkName)); err != nil {
			return err
		}
		if sinkName == "" {
			out.Success("Purged %s", natsclient.AlertsDLQStream.Name)
		} else {
			out.Success("Purged %s alerts from %s", sinkName, natsclient.AlertsDLQStream.Name)
		}
		return nil
	},
}

func dlqFilter(sinkName string) string {
	if sinkName == "" {
		return ""
	}
	return sink.DLQSubject(sinkName)
}

// decodeDeadLetters keeps the messages that decode into an entry with an
// alert and counts the rest.
func decodeDeadLetters(msgs []*messaging.Message) ([]sink.DeadLetterEntry, int) {
	entries := make([]sink.DeadLetterEntry, 0, len(msgs))
	bad := 0
	for _, m := range msgs {
		var e sink.DeadLetterEntry
		if err := json.Unmarshal(m.Data, &e); err != nil || e.Alert == nil {
			bad++
			continue
		}
		if e.FailedAt.IsZero() {
			e.FailedAt = m.Timestamp
		}
		entries = append(entries, e)
	}
	return entries, bad
}

func connectJetStream() (*natsclient.JetStreamClient, error) {
	nc := cfg.NATS
	nc.Enabled = true
	js, err := natsclient.NewJetStreamClient(natsclient.FromConfig(nc))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", nc.URL, err)
	}
	return js, nil
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqPurgeCmd)

	dlqCmd.PersistentFlags().String("sink", "", "only alerts dead-lettered by this sink (nats, opensearch, log)")
	dlqListCmd.Flags().Int("limit", 50, "maximum entries to show")
	dlqPurgeCmd.Flags().BoolP("force", "f", false, "purge without confirmation")
}
