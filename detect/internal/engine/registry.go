package engine

import (
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector/protocol"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/detector/threshold"
	"github.com/telhawk-systems/telhawk-ndr/detect/internal/matcher"
)

// NewRegistry returns a registry holding every built-in detector.
func NewRegistry() (*detector.Registry, error) {
	r := detector.NewRegistry()
	if err := r.Register(threshold.Descriptors()...); err != nil {
		return nil, err
	}
	if err := r.Register(protocol.Descriptors()...); err != nil {
		return nil, err
	}
	if err := r.Register(matcher.Descriptor); err != nil {
		return nil, err
	}
	return r, nil
}
