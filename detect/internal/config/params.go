package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// Kind is the value type of a detector parameter.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
	KindDuration
	KindBool
	KindString
	KindStrings
	KindSeverity
)

// ParamSpec describes one detector parameter: its type, default and bounds.
type ParamSpec struct {
	Name    string
	Kind    Kind
	Default any
	Min     float64
	Max     float64
	Enum    []string
	Help    string
}

// Int declares an integer parameter bounded to [min, max].
func Int(name string, def int, min, max float64, help string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindInt, Default: def, Min: min, Max: max, Help: help}
}

// Float declares a float parameter bounded to [min, max].
func Float(name string, def float64, min, max float64, help string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindFloat, Default: def, Min: min, Max: max, Help: help}
}

// Duration declares a duration parameter bounded to [min, max].
func Duration(name string, def, min, max time.Duration, help string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindDuration, Default: def, Min: float64(min), Max: float64(max), Help: help}
}

// Bool declares a boolean parameter.
func Bool(name string, def bool, help string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindBool, Default: def, Help: help}
}

// Enum declares a string parameter restricted to values.
func Enum(name, def string, values []string, help string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindString, Default: def, Enum: values, Help: help}
}

// Strings declares a string list parameter.
func Strings(name string, def []string, help string) ParamSpec {
	return ParamSpec{Name: name, Kind: KindStrings, Default: def, Help: help}
}

// CommonSpecs are accepted by every detector.
var CommonSpecs = []ParamSpec{
	Bool("enabled", true, "run this detector"),
	Duration("cooldown", 5*time.Minute, 0, 24*time.Hour, "per-key silence after an alert"),
	{Name: "severity", Kind: KindSeverity, Help: "override the catalog severity"},
}

// Params is the decoded, validated parameter set of one detector.
type Params struct {
	Enabled  bool
	Cooldown time.Duration
	Severity *models.Severity
	values   map[string]any
}

// NewParams builds Params from a plain map. Intended for tests and for
// detectors constructed outside a Manager.
func NewParams(specs []ParamSpec, overrides map[string]any) (Params, error) {
	return DecodeParams("", specs, overrides, nil)
}

// Int returns an integer parameter, 0 when absent.
func (p Params) Int(name string) int {
	v, _ := p.values[name].(int)
	return v
}

// Float returns a float parameter, 0 when absent.
func (p Params) Float(name string) float64 {
	v, _ := p.values[name].(float64)
	return v
}

// Duration returns a duration parameter, 0 when absent.
func (p Params) Duration(name string) time.Duration {
	v, _ := p.values[name].(time.Duration)
	return v
}

// Bool returns a boolean parameter, false when absent.
func (p Params) Bool(name string) bool {
	v, _ := p.values[name].(bool)
	return v
}

// String returns a string parameter, "" when absent.
func (p Params) String(name string) string {
	v, _ := p.values[name].(string)
	return v
}

// Strings returns a string list parameter.
func (p Params) Strings(name string) []string {
	v, _ := p.values[name].([]string)
	return v
}

// SeverityOr returns the configured override or def.
func (p Params) SeverityOr(def models.Severity) models.Severity {
	if p.Severity != nil {
		return *p.Severity
	}
	return def
}

// Equal reports whether two parameter sets hold the same values.
func (p Params) Equal(o Params) bool {
	if p.Enabled != o.Enabled || p.Cooldown != o.Cooldown {
		return false
	}
	if (p.Severity == nil) != (o.Severity == nil) || (p.Severity != nil && *p.Severity != *o.Severity) {
		return false
	}
	if len(p.values) != len(o.values) {
		return false
	}
	for k, v := range p.values {
		ov, ok := o.values[k]
		if !ok {
			return false
		}
		if vs, isSlice := v.([]string); isSlice {
			os, _ := ov.([]string)
			if !slices.Equal(vs, os) {
				return false
			}
			continue
		}
		if v != ov {
			return false
		}
	}
	return true
}

// DecodeParams validates raw against specs. A rejected value falls back to
// the previous snapshot's value (or the default when there is none) and is
// reported in the returned error, which aggregates every *models.ConfigError.
func DecodeParams(detector string, specs []ParamSpec, raw map[string]any, prev *Params) (Params, error) {
	var errs *multierror.Error
	out := Params{values: make(map[string]any, len(specs))}

	all := make([]ParamSpec, 0, len(CommonSpecs)+len(specs))
	all = append(all, CommonSpecs...)
	all = append(all, specs...)

	known := make(map[string]bool, len(all))
	for _, spec := range all {
		known[spec.Name] = true

		val, ok := raw[spec.Name]
		var decoded any
		var err error
		if ok && val != nil {
			decoded, err = spec.decode(val)
			if err != nil {
				errs = multierror.Append(errs, &models.ConfigError{
					Key:    paramKey(detector, spec.Name),
					Value:  val,
					Reason: err.Error(),
				})
				ok = false
			}
		} else {
			ok = false
		}
		if !ok {
			decoded = spec.fallback(prev)
		}
		out.assign(spec, decoded)
	}

	for name, val := range raw {
		if !known[name] {
			errs = multierror.Append(errs, &models.ConfigError{
				Key:    paramKey(detector, name),
				Value:  val,
				Reason: "unknown parameter",
			})
		}
	}

	return out, errs.ErrorOrNil()
}

func (p *Params) assign(spec ParamSpec, v any) {
	switch spec.Name {
	case "enabled":
		p.Enabled, _ = v.(bool)
	case "cooldown":
		p.Cooldown, _ = v.(time.Duration)
	case "severity":
		if s, ok := v.(models.Severity); ok {
			p.Severity = &s
		}
	default:
		if v != nil {
			p.values[spec.Name] = v
		}
	}
}

func (spec ParamSpec) fallback(prev *Params) any {
	if prev != nil {
		switch spec.Name {
		case "enabled":
			return prev.Enabled
		case "cooldown":
			return prev.Cooldown
		case "severity":
			if prev.Severity != nil {
				return *prev.Severity
			}
			return nil
		}
		if v, ok := prev.values[spec.Name]; ok {
			return v
		}
	}
	if spec.Default == nil {
		return nil
	}
	d, err := spec.decode(spec.Default)
	if err != nil {
		panic(fmt.Sprintf("invalid default for %s: %v", spec.Name, err))
	}
	return d
}

func (spec ParamSpec) decode(val any) (any, error) {
	switch spec.Kind {
	case KindInt:
		n, err := cast.ToIntE(val)
		if err != nil {
			return nil, err
		}
		return n, spec.bounds(float64(n))
	case KindFloat:
		f, err := cast.ToFloat64E(val)
		if err != nil {
			return nil, err
		}
		return f, spec.bounds(f)
	case KindDuration:
		d, err := cast.ToDurationE(val)
		if err != nil {
			return nil, err
		}
		return d, spec.bounds(float64(d))
	case KindBool:
		return cast.ToBoolE(val)
	case KindString:
		s, err := cast.ToStringE(val)
		if err != nil {
			return nil, err
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if len(spec.Enum) > 0 && !slices.Contains(spec.Enum, s) {
			return nil, fmt.Errorf("must be one of %s", strings.Join(spec.Enum, ", "))
		}
		return s, nil
	case KindStrings:
		if s, ok := val.(string); ok {
			return splitList(s), nil
		}
		return cast.ToStringSliceE(val)
	case KindSeverity:
		s, err := cast.ToStringE(val)
		if err != nil {
			return nil, err
		}
		sev, err := models.ParseSeverity(s)
		if err != nil {
			return nil, fmt.Errorf("unknown severity")
		}
		return sev, nil
	}
	return nil, fmt.Errorf("unsupported kind %d", spec.Kind)
}

func (spec ParamSpec) bounds(v float64) error {
	if spec.Min == 0 && spec.Max == 0 {
		return nil
	}
	if v < spec.Min || v > spec.Max {
		if spec.Kind == KindDuration {
			return fmt.Errorf("out of range [%s, %s]", time.Duration(spec.Min), time.Duration(spec.Max))
		}
		return fmt.Errorf("out of range [%g, %g]", spec.Min, spec.Max)
	}
	return nil
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func paramKey(detector, name string) string {
	if detector == "" {
		return name
	}
	return "threat." + detector + "." + name
}
