package correlator

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

//go:embed chains.yaml
var defaultChains []byte

// Chain is a named sequence of attack stages. A stage is satisfied by any
// one of its threat types.
type Chain struct {
	Name        string
	Description string
	Window      time.Duration
	AlertAt     int
	Stages      []Stage
}

// Stage is one step of a chain.
type Stage struct {
	Name    string
	Threats []models.ThreatType
}

// Matches reports whether t satisfies the stage.
func (s Stage) Matches(t models.ThreatType) bool {
	for _, x := range s.Threats {
		if x == t {
			return true
		}
	}
	return false
}

type chainFile struct {
	Chains []chainDef `yaml:"chains"`
}

type chainDef struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Window      string     `yaml:"window"`
	AlertAt     int        `yaml:"alert_at"`
	Stages      []stageDef `yaml:"stages"`
}

type stageDef struct {
	Name    string   `yaml:"name"`
	Threats []string `yaml:"threats"`
}

// DefaultChains returns the built-in chain definitions.
func DefaultChains() []Chain {
	chains, err := ParseChains(defaultChains)
	if err != nil {
		panic(fmt.Sprintf("built-in kill chains: %v", err))
	}
	return chains
}

// LoadChains reads chain definitions from a YAML file. An empty path
// returns the built-in chains.
func LoadChains(path string) ([]Chain, error) {
	if path == "" {
		return DefaultChains(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chains file: %w", err)
	}
	return ParseChains(data)
}

// ParseChains decodes and validates chain definitions. Every problem in the
// document is reported, not just the first.
func ParseChains(data []byte) ([]Chain, error) {
	var file chainFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &models.ConfigError{Key: "correlator.chains", Reason: err.Error()}
	}
	if len(file.Chains) == 0 {
		return nil, &models.ConfigError{Key: "correlator.chains", Reason: "no chains defined"}
	}

	var errs *multierror.Error
	seen := make(map[string]bool, len(file.Chains))
	chains := make([]Chain, 0, len(file.Chains))
	for i, def := range file.Chains {
		key := fmt.Sprintf("correlator.chains[%d]", i)
		if def.Name == "" {
			errs = multierror.Append(errs, &models.ConfigError{Key: key + ".name", Reason: "name is required"})
		} else if seen[def.Name] {
			errs = multierror.Append(errs, &models.ConfigError{Key: key + ".name", Value: def.Name, Reason: "duplicate chain name"})
		}
		seen[def.Name] = true

		ch := Chain{Name: def.Name, Description: def.Description, AlertAt: def.AlertAt}
		if def.Window != "" {
			w, err := time.ParseDuration(def.Window)
			if err != nil || w <= 0 {
				errs = multierror.Append(errs, &models.ConfigError{Key: key + ".window", Value: def.Window, Reason: "invalid duration"})
			}
			ch.Window = w
		}
		if len(def.Stages) < 2 {
			errs = multierror.Append(errs, &models.ConfigError{Key: key + ".stages", Value: len(def.Stages), Reason: "a chain needs at least two stages"})
		}
		for j, sd := range def.Stages {
			st := Stage{Name: sd.Name}
			if st.Name == "" {
				st.Name = fmt.Sprintf("stage-%d", j+1)
			}
			if len(sd.Threats) == 0 {
				errs = multierror.Append(errs, &models.ConfigError{Key: fmt.Sprintf("%s.stages[%d].threats", key, j), Reason: "stage has no threat types"})
			}
			for _, name := range sd.Threats {
				t, err := models.ParseThreatType(name)
				if err != nil || t.Info().Category == models.CategoryOperational || t == models.ThreatKillChain {
					errs = multierror.Append(errs, &models.ConfigError{Key: fmt.Sprintf("%s.stages[%d].threats", key, j), Value: name, Reason: "not a security threat type"})
					continue
				}
				st.Threats = append(st.Threats, t)
			}
			ch.Stages = append(ch.Stages, st)
		}
		switch {
		case ch.AlertAt == 0:
			ch.AlertAt = len(ch.Stages)
		case ch.AlertAt < 2 || ch.AlertAt > len(ch.Stages):
			errs = multierror.Append(errs, &models.ConfigError{Key: key + ".alert_at", Value: ch.AlertAt, Reason: "must be between 2 and the number of stages"})
		}
		chains = append(chains, ch)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return chains, nil
}
