package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/telhawk-systems/telhawk-ndr/common/logging"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/normalizer"
)

// Snapshot is one immutable, validated configuration version. Workers load
// a snapshot at the start of a batch and use it for the whole batch.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	Config   *Config
	Networks *normalizer.Networks

	// DomainControllers are exempt from the DCSync rule.
	DomainControllers []netip.Addr

	threat map[string]Params
}

// Detector returns the parameters of a detector. Unknown detectors are
// disabled.
func (s *Snapshot) Detector(key string) Params {
	if p, ok := s.threat[key]; ok {
		return p
	}
	return Params{}
}

// RejectFunc receives the values rejected while building a snapshot.
type RejectFunc func(errs []*models.ConfigError)

// Manager owns the current Snapshot and rebuilds it on change.
type Manager struct {
	v       *viper.Viper
	schemas map[string][]ParamSpec
	current atomic.Pointer[Snapshot]
	version atomic.Uint64

	mu        sync.Mutex
	overrides map[string]any
	onReject  []RejectFunc
	onChange  []func(*Snapshot)
	rejected  []*models.ConfigError
}

// NewManager loads configPath and builds the first snapshot. Infrastructure
// errors are fatal; rejected detector parameters are not, they are reported
// through Rejected and OnReject.
func NewManager(configPath string, schemas map[string][]ParamSpec) (*Manager, error) {
	_, v, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewManagerFromViper(v, schemas)
}

// NewManagerFromViper builds a Manager over an existing viper instance.
func NewManagerFromViper(v *viper.Viper, schemas map[string][]ParamSpec) (*Manager, error) {
	m := &Manager{
		v:         v,
		schemas:   schemas,
		overrides: make(map[string]any),
	}
	if err := m.rebuild(); err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the active snapshot. It never blocks on a reload.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// Rejected returns the errors from the most recent rebuild.
func (m *Manager) Rejected() []*models.ConfigError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.ConfigError(nil), m.rejected...)
}

// OnReject registers a callback for rejected values.
func (m *Manager) OnReject(fn RejectFunc) {
	m.mu.Lock()
	m.onReject = append(m.onReject, fn)
	m.mu.Unlock()
}

// OnChange registers a callback invoked after a new snapshot is published.
func (m *Manager) OnChange(fn func(*Snapshot)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// Set overrides one key and publishes a new snapshot.
func (m *Manager) Set(key string, value any) error {
	m.mu.Lock()
	m.overrides[key] = value
	m.mu.Unlock()
	return m.rebuild()
}

// Reload re-reads the config file and publishes a new snapshot.
func (m *Manager) Reload() error {
	if m.v.ConfigFileUsed() != "" {
		if err := m.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return m.rebuild()
}

// Watch reloads on config file changes.
func (m *Manager) Watch() {
	if m.v.ConfigFileUsed() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := m.rebuild(); err != nil {
			slog.Error("config reload failed", slog.String("file", e.Name), logging.Error(err))
			return
		}
		slog.Info("config reloaded",
			slog.String("file", e.Name),
			slog.Uint64("version", m.Current().Version))
	})
	m.v.WatchConfig()
}

func (m *Manager) rebuild() error {
	snap, rejected, err := m.build()
	if err != nil {
		return err
	}

	m.mu.Lock()
	onReject := slices.Clone(m.onReject)
	onChange := slices.Clone(m.onChange)
	m.mu.Unlock()

	if len(rejected) > 0 {
		for _, ce := range rejected {
			slog.Warn("config value rejected",
				slog.String("key", ce.Key),
				slog.Any("value", ce.Value),
				slog.String("reason", ce.Reason))
		}
		for _, fn := range onReject {
			fn(rejected)
		}
	}
	for _, fn := range onChange {
		fn(snap)
	}
	return nil
}

func (m *Manager) build() (*Snapshot, []*models.ConfigError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, val := range m.overrides {
		m.v.Set(k, val)
	}

	cfg, err := decode(m.v)
	if err != nil {
		return nil, nil, err
	}

	prev := m.current.Load()
	var errs *multierror.Error

	networks, err := normalizer.NewNetworks(cfg.Network.InternalNetworks)
	if err != nil {
		errs = multierror.Append(errs, err)
		if prev != nil {
			networks = prev.Networks
		} else {
			networks = normalizer.DefaultNetworks()
		}
	}

	var dcs []netip.Addr
	for _, s := range cfg.Network.DomainControllers {
		a, perr := netip.ParseAddr(s)
		if perr != nil {
			errs = multierror.Append(errs, &models.ConfigError{Key: "network.domain_controllers", Value: s, Reason: perr.Error()})
			continue
		}
		dcs = append(dcs, a.Unmap())
	}

	threat := make(map[string]Params, len(m.schemas))
	for key, specs := range m.schemas {
		raw := m.rawParams(key, specs)
		var prevParams *Params
		if prev != nil {
			if p, ok := prev.threat[key]; ok {
				prevParams = &p
			}
		}
		params, perr := DecodeParams(key, specs, raw, prevParams)
		if perr != nil {
			errs = multierror.Append(errs, perr)
		}
		threat[key] = params
	}

	snap := &Snapshot{
		Version:           m.version.Add(1),
		LoadedAt:          time.Now(),
		Config:            cfg,
		Networks:          networks,
		DomainControllers: dcs,
		threat:            threat,
	}
	m.current.Store(snap)
	m.rejected = configErrors(errs.ErrorOrNil())
	return snap, m.rejected, nil
}

// rawParams collects threat.<key>.<param> values, including environment
// overrides, which viper only reports for keys asked for by name.
func (m *Manager) rawParams(key string, specs []ParamSpec) map[string]any {
	raw := make(map[string]any)
	prefix := "threat." + key
	if sub, ok := m.v.Get(prefix).(map[string]any); ok {
		for k, val := range sub {
			raw[k] = val
		}
	}
	for _, spec := range append(append([]ParamSpec(nil), CommonSpecs...), specs...) {
		full := prefix + "." + spec.Name
		if m.v.IsSet(full) {
			raw[spec.Name] = m.v.Get(full)
		}
	}
	return raw
}

func configErrors(err error) []*models.ConfigError {
	if err == nil {
		return nil
	}
	var out []*models.ConfigError
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			out = append(out, configErrors(e)...)
		}
		return out
	}
	var ce *models.ConfigError
	if errors.As(err, &ce) {
		return []*models.ConfigError{ce}
	}
	return []*models.ConfigError{{Key: "config", Value: nil, Reason: err.Error()}}
}
