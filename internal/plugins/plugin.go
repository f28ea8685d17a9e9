package plugins

import (
	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

// Instance represents a registered Plugin to the pipeline.
// This encapsulates the plugin, the id it was registered under,
// and whether the plugin is required to succeed.
// NOTE: Use NewInstance to create an Instance.
type Instance struct {
	pkg.Plugin

	id       string
	required bool
}

// NewInstance creates a new Instance.
func NewInstance(id string, p pkg.Plugin, required bool) *Instance {
	return &Instance{
		Plugin:   p,
		id:       id,
		required: required,
	}
}

// ID returns the id the plugin was registered under.
func (i *Instance) ID() string {
	return i.id
}

// Required reports whether a failure of this plugin must fail the request.
func (i *Instance) Required() bool { return i.required }
