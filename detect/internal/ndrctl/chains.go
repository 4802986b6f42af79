package ndrctl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-ndr/common/output"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/correlator"
)

var chainsCmd = &cobra.Command{
	Use:   "chains",
	Short: "Inspect kill-chain definitions",
}

var chainsListCmd = &cobra.Command{
	Use:     "list [file]",
	Aliases: []string{"ls"},
	Short:   "List kill chains (built-in unless a file is given)",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var path string
		if len(args) == 1 {
			path = args[0]
		}
		chains, err := correlator.LoadChains(path)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return out.JSON(chainsJSON(chains))
		}
		table := output.NewTable("CHAIN", "WINDOW", "ALERT AT", "STAGES")
		for _, ch := range chains {
			window := "default"
			if ch.Window > 0 {
				window = ch.Window.String()
			}
			stages := make([]string, len(ch.Stages))
			for i, st := range ch.Stages {
				stages[i] = st.Name
			}
			table.AddRow(ch.Name, window, fmt.Sprintf("%d/%d", ch.AlertAt, len(ch.Stages)), strings.Join(stages, " > "))
		}
		out.Render(table)
		return nil
	},
}

type chainView struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Window      string      `json:"window,omitempty"`
	AlertAt     int         `json:"alert_at"`
	Stages      []stageView `json:"stages"`
}

type stageView struct {
	Name    string   `json:"name"`
	Threats []string `json:"threats"`
}

func chainsJSON(chains []correlator.Chain) []chainView {
	views := make([]chainView, 0, len(chains))
	for _, ch := range chains {
		v := chainView{Name: ch.Name, Description: ch.Description, AlertAt: ch.AlertAt}
		if ch.Window > 0 {
			v.Window = ch.Window.String()
		}
		for _, st := range ch.Stages {
			v.Stages = append(v.Stages, stageView{Name: st.Name, Threats: threatNames(st.Threats)})
		}
		views = append(views, v)
	}
	return views
}

var chainsValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a kill-chain definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chains, err := correlator.LoadChains(args[0])
		if err != nil {
			var merr *multierror.Error
			if errors.As(err, &merr) {
				for _, e := range merr.Errors {
					out.Error("%v", e)
				}
				return fmt.Errorf("%s: %d problem(s)", args[0], len(merr.Errors))
			}
			return err
		}
		out.Success("%s: %d chains valid", args[0], len(chains))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(chainsCmd)
	chainsCmd.AddCommand(chainsListCmd, chainsValidateCmd)
}
