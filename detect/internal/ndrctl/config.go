package ndrctl

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ndr/common/output"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/config"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/engine"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Engine configuration tools",
}

var configCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate an engine config file",
	Long: `Load an engine config file the way the engine does and report every
detector parameter it would reject. Exits non-zero when anything is
rejected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		reg, err := engine.NewRegistry()
		if err != nil {
			return err
		}
		reg.SetLogger(cmdLogger(cmd))
		mgr, err := config.NewManager(path, reg.Schemas())
		if err != nil {
			return err
		}

		rejected := mgr.Rejected()
		if jsonOutput(cmd) {
			type row struct {
				Key    string `json:"key"`
				Value  any    `json:"value"`
				Reason string `json:"reason"`
			}
			rows := make([]row, 0, len(rejected))
			for _, e := range rejected {
				rows = append(rows, row{Key: e.Key, Value: e.Value, Reason: e.Reason})
			}
			if err := out.JSON(rows); err != nil {
				return err
			}
		} else if len(rejected) > 0 {
			table := output.NewTable("KEY", "VALUE", "REASON")
			for _, e := range rejected {
				table.AddRow(e.Key, fmt.Sprint(e.Value), e.Reason)
			}
			out.Render(table)
		}
		if len(rejected) > 0 {
			return fmt.Errorf("%d value(s) rejected", len(rejected))
		}

		snap := mgr.Current()
		enabled := 0
		for _, key := range reg.Keys() {
			if snap.Detector(key).Enabled {
				enabled++
			}
		}
		if !jsonOutput(cmd) {
			out.Success("Configuration valid: %d of %d detectors enabled", enabled, len(reg.Keys()))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
}
