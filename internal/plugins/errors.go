package plugins

import (
	"errors"
	"fmt"
)

// Dispatch and lifecycle failures, matched with errors.Is. Every one of
// these is scoped to a single plugin; none of them is fatal to the host.
var (
	// ErrPluginUnavailable means the named plugin is not in the Ready state.
	ErrPluginUnavailable = errors.New("plugin unavailable")

	// ErrPluginBusy is the unavailable sub-case for a plugin already serving
	// a request. Concurrent callers fail fast rather than queue.
	ErrPluginBusy = fmt.Errorf("%w: request already in flight", ErrPluginUnavailable)

	// ErrRequestTimeout means the plugin did not reply within the configured
	// bound. Its process has been killed by the time callers see this.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrPluginCrashed means the process exited, its stream hit EOF, or a
	// reply could not be decoded.
	ErrPluginCrashed = errors.New("plugin crashed")

	// ErrHandshakeRejected means the plugin answered the Hello but refused
	// or misbehaved.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrHandshakeTimeout means the plugin never completed the handshake
	// within the configured bound.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrIncompatibleProtocol means the plugin speaks a protocol revision
	// this host does not accept.
	ErrIncompatibleProtocol = fmt.Errorf("%w: incompatible protocol version", ErrHandshakeRejected)
)

// PluginError is a failure the plugin itself reported in an ErrorResponse.
// The plugin stays Ready; reporting an error is normal operation.
type PluginError struct {
	Plugin  string
	Message string
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s", e.Plugin, e.Message)
}

// CapabilityError marks a descriptor whose declared pattern does not
// compile. The plugin is rejected before registration, never silently
// stripped of the capability.
type CapabilityError struct {
	Plugin  string
	Pattern string
	Err     error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("plugin %s: invalid file pattern %q: %v", e.Plugin, e.Pattern, e.Err)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}
