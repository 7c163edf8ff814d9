package plugins

import (
	"path/filepath"
	"regexp"

	"github.com/houqp/kiorg/pkg/protocol"
)

// CompiledCapabilities is the host-side, validated form of a descriptor's
// capability declarations. Compilation happens exactly once, at
// registration; routing never touches raw pattern strings.
type CompiledCapabilities struct {
	preview *regexp.Regexp
}

// CompileCapabilities validates every declared pattern. It fails closed: a
// descriptor with a broken pattern yields a CapabilityError and no
// CompiledCapabilities at all.
func CompileCapabilities(desc protocol.PluginDescriptor) (*CompiledCapabilities, error) {
	compiled := &CompiledCapabilities{}

	if pc := desc.Capabilities.Preview; pc != nil {
		re, err := regexp.Compile(pc.FilePattern)
		if err != nil {
			return nil, &CapabilityError{Plugin: desc.Name, Pattern: pc.FilePattern, Err: err}
		}
		compiled.preview = re
	}

	return compiled, nil
}

// CanPreview reports whether any preview capability was declared.
func (c *CompiledCapabilities) CanPreview() bool {
	return c.preview != nil
}

// MatchesPreview tests the preview pattern against the final path component,
// case sensitively. A plugin with no preview capability matches nothing.
func (c *CompiledCapabilities) MatchesPreview(path string) bool {
	if c.preview == nil {
		return false
	}
	return c.preview.MatchString(filepath.Base(path))
}

// PreviewPattern returns the declared pattern source, for display.
func (c *CompiledCapabilities) PreviewPattern() string {
	if c.preview == nil {
		return ""
	}
	return c.preview.String()
}
