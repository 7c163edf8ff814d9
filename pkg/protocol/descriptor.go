package protocol

import (
	"errors"
	"fmt"
)

// PluginDescriptor is a plugin's declared identity, exchanged once during
// the handshake and immutable afterwards. Name is the unique registry key.
type PluginDescriptor struct {
	Name         string       `cbor:"name" yaml:"name"`
	Version      string       `cbor:"version" yaml:"version"`
	Description  string       `cbor:"description" yaml:"description"`
	Homepage     string       `cbor:"homepage,omitempty" yaml:"homepage,omitempty"`
	Capabilities Capabilities `cbor:"capabilities" yaml:"capabilities"`
}

// Capabilities maps capability kinds to their declarations. A descriptor
// with no capabilities is legal; it registers but is never routed to.
type Capabilities struct {
	Preview *PreviewCapability `cbor:"preview,omitempty" yaml:"preview,omitempty"`
}

// PreviewCapability declares which files a plugin can preview.
// FilePattern is a regular expression tested against the final path
// component, conventionally anchored like `\.txt$`.
type PreviewCapability struct {
	FilePattern string `cbor:"file_pattern" yaml:"file_pattern"`
}

// Validate checks the fields every well-formed descriptor must carry.
// Pattern compilation is the host's concern; this only rejects descriptors
// that could never be registered.
func (d PluginDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("descriptor name is empty")
	}
	if d.Version == "" {
		return fmt.Errorf("descriptor %q has no version", d.Name)
	}
	if d.Capabilities.Preview != nil && d.Capabilities.Preview.FilePattern == "" {
		return fmt.Errorf("descriptor %q declares a preview capability with an empty pattern", d.Name)
	}
	return nil
}

// HasCapabilities reports whether the descriptor declares anything the
// router could select it for.
func (d PluginDescriptor) HasCapabilities() bool {
	return d.Capabilities.Preview != nil
}
