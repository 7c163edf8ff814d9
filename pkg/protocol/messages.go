package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Protocol revisions. A Hello/HelloAck pair settles on
// min(host, plugin); revision 2 adds the popup preview request.
const (
	// ProtocolVersion is the highest revision this build speaks.
	ProtocolVersion uint32 = 2

	// MinProtocolVersion is the oldest revision still accepted from a peer.
	MinProtocolVersion uint32 = 1

	// PopupVersion is the first revision that carries PreviewPopupRequest.
	PopupVersion uint32 = 2
)

// Message tags carried in the payload's "_T" field.
const (
	TagHello               = "Hello"
	TagHelloAck            = "HelloAck"
	TagMetadataRequest     = "MetadataRequest"
	TagMetadataResponse    = "MetadataResponse"
	TagPreviewRequest      = "PreviewRequest"
	TagPreviewPopupRequest = "PreviewPopupRequest"
	TagPreviewResponse     = "PreviewResponse"
	TagErrorResponse       = "ErrorResponse"
)

// ErrUnknownTag is returned when a payload's "_T" field names no known
// message. Unlike component decoding there is no placeholder arm here: an
// unrecognized top-level message means the peers disagree about the
// protocol, and the connection must be torn down.
var ErrUnknownTag = errors.New("unknown message tag")

// Message is one payload on the wire. The concrete types below are the
// complete tag set.
type Message interface {
	// Tag returns the "_T" discriminator written on the wire.
	Tag() string
}

// Hello opens the handshake. Sent host to plugin immediately after spawn.
type Hello struct {
	ProtocolVersion uint32 `cbor:"protocol_version"`
}

// HelloAck answers Hello. OK false means the plugin refuses the connection
// regardless of version.
type HelloAck struct {
	ProtocolVersion uint32 `cbor:"protocol_version"`
	OK              bool   `cbor:"ok"`
}

// MetadataRequest asks the plugin for its descriptor. No body.
type MetadataRequest struct{}

// MetadataResponse carries the plugin's descriptor.
type MetadataResponse struct {
	Descriptor PluginDescriptor `cbor:"descriptor"`
}

// PreviewRequest asks the plugin to render a preview of the file at Path.
type PreviewRequest struct {
	Path string `cbor:"path"`
}

// PreviewPopupRequest asks for the expanded popup rendering of Path.
// Only valid once the negotiated version is at least PopupVersion.
type PreviewPopupRequest struct {
	Path string `cbor:"path"`
}

// PreviewResponse carries the rendered component tree.
type PreviewResponse struct {
	Components ComponentList `cbor:"components"`
}

// ErrorResponse reports a plugin-side failure for the outstanding request.
// It is an ordinary reply, not a connection fault.
type ErrorResponse struct {
	Message string `cbor:"message"`
}

func (Hello) Tag() string               { return TagHello }
func (HelloAck) Tag() string            { return TagHelloAck }
func (MetadataRequest) Tag() string     { return TagMetadataRequest }
func (MetadataResponse) Tag() string    { return TagMetadataResponse }
func (PreviewRequest) Tag() string      { return TagPreviewRequest }
func (PreviewPopupRequest) Tag() string { return TagPreviewPopupRequest }
func (PreviewResponse) Tag() string     { return TagPreviewResponse }
func (ErrorResponse) Tag() string       { return TagErrorResponse }

// EncodeMessage serializes msg as a CBOR map with the "_T" discriminator
// alongside the message's own fields.
func EncodeMessage(msg Message) ([]byte, error) {
	var payload any
	switch m := msg.(type) {
	case Hello:
		payload = struct {
			T string `cbor:"_T"`
			Hello
		}{TagHello, m}
	case HelloAck:
		payload = struct {
			T string `cbor:"_T"`
			HelloAck
		}{TagHelloAck, m}
	case MetadataRequest:
		payload = struct {
			T string `cbor:"_T"`
		}{TagMetadataRequest}
	case MetadataResponse:
		payload = struct {
			T string `cbor:"_T"`
			MetadataResponse
		}{TagMetadataResponse, m}
	case PreviewRequest:
		payload = struct {
			T string `cbor:"_T"`
			PreviewRequest
		}{TagPreviewRequest, m}
	case PreviewPopupRequest:
		payload = struct {
			T string `cbor:"_T"`
			PreviewPopupRequest
		}{TagPreviewPopupRequest, m}
	case PreviewResponse:
		payload = struct {
			T string `cbor:"_T"`
			PreviewResponse
		}{TagPreviewResponse, m}
	case ErrorResponse:
		payload = struct {
			T string `cbor:"_T"`
			ErrorResponse
		}{TagErrorResponse, m}
	default:
		return nil, fmt.Errorf("encoding %T: %w", msg, ErrUnknownTag)
	}
	return cbor.Marshal(payload)
}

// DecodeMessage deserializes one payload against the tag set. The returned
// value is one of the concrete message structs (by value, matching what
// EncodeMessage accepts).
func DecodeMessage(payload []byte) (Message, error) {
	var probe struct {
		T string `cbor:"_T"`
	}
	if err := cbor.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	var msg Message
	var err error
	switch probe.T {
	case TagHello:
		var m Hello
		err = unmarshalBody(payload, &m)
		msg = m
	case TagHelloAck:
		var m HelloAck
		err = unmarshalBody(payload, &m)
		msg = m
	case TagMetadataRequest:
		msg = MetadataRequest{}
	case TagMetadataResponse:
		var m MetadataResponse
		err = unmarshalBody(payload, &m)
		msg = m
	case TagPreviewRequest:
		var m PreviewRequest
		err = unmarshalBody(payload, &m)
		msg = m
	case TagPreviewPopupRequest:
		var m PreviewPopupRequest
		err = unmarshalBody(payload, &m)
		msg = m
	case TagPreviewResponse:
		var m PreviewResponse
		err = unmarshalBody(payload, &m)
		msg = m
	case TagErrorResponse:
		var m ErrorResponse
		err = unmarshalBody(payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("tag %q: %w", probe.T, ErrUnknownTag)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func unmarshalBody(payload []byte, out any) error {
	if err := cbor.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding message body: %w", err)
	}
	return nil
}

// EffectiveVersion returns the revision both sides of a connection agree
// to speak.
func EffectiveVersion(host, plugin uint32) uint32 {
	if plugin < host {
		return plugin
	}
	return host
}
