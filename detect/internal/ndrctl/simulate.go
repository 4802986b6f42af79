package ndrctl

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ndr/common/messaging"
	"github.com/telhawk-systems/telhawk-ndr/common/output"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/simulate"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate [scenario]",
	Short: "Generate attack traffic",
	Long: `Generate flow records for a named attack scenario.

By default the records are published to the engine's sensor intake over
NATS. With --local they run through an in-process engine instead and the
resulting alerts are printed.`,
	Example: `  ndrctl simulate --list
  ndrctl simulate port-scan --local
  ndrctl simulate kill-chain --seed 42 --sensor tap-lab`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if list, _ := cmd.Flags().GetBool("list"); list || len(args) == 0 {
			return listScenarios(cmd)
		}

		seed, _ := cmd.Flags().GetInt64("seed")
		count, _ := cmd.Flags().GetInt("count")
		recs, err := simulate.New(seed).Generate(args[0], time.Now().Add(-10*time.Minute), count)
		if err != nil {
			return err
		}
		scenario, _ := simulate.Lookup(args[0])

		if local, _ := cmd.Flags().GetBool("local"); local {
			engineCfg, _ := cmd.Flags().GetString("engine-config")
			alerts, err := runRecords(cmd.Context(), engineCfg, recs, cmdLogger(cmd))
			if err != nil {
				return err
			}
			return reportAlerts(cmd, alerts, scenario.Expect)
		}
		return publishRecords(cmd, recs)
	},
}

func listScenarios(cmd *cobra.Command) error {
	scenarios := simulate.Scenarios()
	if jsonOutput(cmd) {
		type row struct {
			Name        string   `json:"name"`
			Description string   `json:"description"`
			Expect      []string `json:"expect"`
		}
		rows := make([]row, 0, len(scenarios))
		for _, s := range scenarios {
			rows = append(rows, row{Name: s.Name, Description: s.Description, Expect: threatNames(s.Expect)})
		}
		return out.JSON(rows)
	}
	table := output.NewTable("SCENARIO", "EXPECTED ALERTS", "DESCRIPTION")
	for _, s := range scenarios {
		expect := strings.Join(threatNames(s.Expect), ",")
		if expect == "" {
			expect = "-"
		}
		table.AddRow(s.Name, expect, s.Description)
	}
	out.Render(table)
	return nil
}

func threatNames(ts []models.ThreatType) []string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.String()
	}
	return names
}

func publishRecords(cmd *cobra.Command, recs []models.FlowRecord) error {
	sensor, _ := cmd.Flags().GetString("sensor")
	if sensor == "" {
		sensor = cfg.SensorID
	}
	batch, _ := cmd.Flags().GetInt("batch")
	if batch <= 0 {
		batch = 100
	}

	client, err := connectNATS()
	if err != nil {
		return err
	}
	defer client.Drain()

	subject := messaging.FlowRecordSubject(sensor)
	opts := authHeader()
	for start := 0; start < len(recs); start += batch {
		end := min(start+batch, len(recs))
		if err := client.PublishJSON(cmd.Context(), subject, recs[start:end], opts...); err != nil {
			return fmt.Errorf("failed to publish records: %w", err)
		}
	}
	out.Success("Published %d records to %s", len(recs), subject)
	return nil
}

func authHeader() []messaging.PublishOption {
	if cfg.SensorToken == "" {
		return nil
	}
	return []messaging.PublishOption{messaging.WithHeader(messaging.HeaderAuthorization, "Bearer "+cfg.SensorToken)}
}

// reportAlerts prints alerts and, when expect is set, checks that every
// expected threat was raised.
func reportAlerts(cmd *cobra.Command, alerts []*models.Alert, expect []models.ThreatType) error {
	if jsonOutput(cmd) {
		if err := out.JSON(alerts); err != nil {
			return err
		}
	} else if len(alerts) == 0 {
		out.Info("No alerts raised")
	} else {
		table := output.NewTable("SEVERITY", "THREAT", "SOURCE", "DESTINATION", "DETECTOR", "DESCRIPTION")
		for _, a := range alerts {
			table.AddRow(a.Severity.String(), a.ThreatType.String(), a.Source, a.Destination, a.Detector, a.Description)
		}
		out.Render(table)
	}

	missing := missingThreats(alerts, expect)
	if len(missing) > 0 {
		return fmt.Errorf("expected alerts not raised: %s", strings.Join(threatNames(missing), ", "))
	}
	if len(expect) > 0 && !jsonOutput(cmd) {
		out.Success("All %d expected alert types raised", len(expect))
	}
	return nil
}

func missingThreats(alerts []*models.Alert, expect []models.ThreatType) []models.ThreatType {
	seen := make(map[models.ThreatType]bool, len(alerts))
	for _, a := range alerts {
		seen[a.ThreatType] = true
	}
	var missing []models.ThreatType
	for _, t := range expect {
		if !seen[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().Bool("list", false, "list scenarios")
	simulateCmd.Flags().Int64("seed", 0, "random seed (0 picks one)")
	simulateCmd.Flags().Int("count", 0, "record count for scenarios with a natural size")
	simulateCmd.Flags().Bool("local", false, "run through an in-process engine instead of publishing")
	simulateCmd.Flags().String("engine-config", "", "engine config file for --local")
	simulateCmd.Flags().String("sensor", "", "sensor ID to publish as (default from config)")
	simulateCmd.Flags().Int("batch", 100, "records per published message")
}
