package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Component type tags carried in the "type" field.
const (
	ComponentTitle = "Title"
	ComponentText  = "Text"
	ComponentImage = "Image"
	ComponentTable = "Table"
)

// Image source tags carried in the "type" field of an image source.
const (
	ImageSourcePath  = "Path"
	ImageSourceBytes = "Bytes"
)

// Component is one unit of renderable preview content. The union is open:
// a tag the decoder does not recognize becomes an Unknown value instead of
// failing the containing message, so hosts keep working against plugins
// built for a newer revision.
type Component interface {
	// ComponentType returns the "type" discriminator written on the wire.
	ComponentType() string
}

// Title renders as a heading above the rest of the preview.
type Title struct {
	Text string `cbor:"text"`
}

// Text renders as a plain text block.
type Text struct {
	Text string `cbor:"text"`
}

// Image renders a picture, either from a file on disk or from inline bytes.
// Interactive marks images the renderer should let the user zoom and pan.
type Image struct {
	Source      ImageSource `cbor:"source"`
	Interactive bool        `cbor:"interactive,omitempty"`
}

// Table renders a header row plus data rows.
type Table struct {
	Headers []string   `cbor:"headers"`
	Rows    [][]string `cbor:"rows"`
}

// Unknown stands in for a component whose tag this build does not know.
// It is synthesized by the decoder and cannot be sent.
type Unknown struct {
	TypeTag string
}

func (Title) ComponentType() string     { return ComponentTitle }
func (Text) ComponentType() string      { return ComponentText }
func (Image) ComponentType() string     { return ComponentImage }
func (Table) ComponentType() string     { return ComponentTable }
func (u Unknown) ComponentType() string { return u.TypeTag }

// ImageBytes is inline image data. UID distinguishes otherwise identical
// payloads so renderers can key texture caches on it.
type ImageBytes struct {
	Format string `cbor:"format"`
	Data   []byte `cbor:"data"`
	UID    string `cbor:"uid"`
}

// ImageSource names where an image's pixels come from: exactly one of Path
// or Bytes is set.
type ImageSource struct {
	Path  string
	Bytes *ImageBytes
}

// imageSourceWire is the adjacently tagged encoding: {"type": ..., "value": ...}.
type imageSourceWire struct {
	Type  string          `cbor:"type"`
	Value cbor.RawMessage `cbor:"value"`
}

// MarshalCBOR implements cbor.Marshaler.
func (s ImageSource) MarshalCBOR() ([]byte, error) {
	var wire struct {
		Type  string `cbor:"type"`
		Value any    `cbor:"value"`
	}
	if s.Bytes != nil {
		wire.Type = ImageSourceBytes
		wire.Value = s.Bytes
	} else {
		wire.Type = ImageSourcePath
		wire.Value = s.Path
	}
	return cbor.Marshal(wire)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (s *ImageSource) UnmarshalCBOR(data []byte) error {
	var wire imageSourceWire
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decoding image source: %w", err)
	}
	switch wire.Type {
	case ImageSourcePath:
		if err := cbor.Unmarshal(wire.Value, &s.Path); err != nil {
			return fmt.Errorf("decoding image path: %w", err)
		}
		s.Bytes = nil
	case ImageSourceBytes:
		b := new(ImageBytes)
		if err := cbor.Unmarshal(wire.Value, b); err != nil {
			return fmt.Errorf("decoding image bytes: %w", err)
		}
		s.Path = ""
		s.Bytes = b
	default:
		return fmt.Errorf("image source type %q: %w", wire.Type, ErrUnknownTag)
	}
	return nil
}

// ComponentList carries the ordered components of a preview. It owns the
// tagged-union encoding so PreviewResponse can hold interface values.
type ComponentList []Component

// MarshalCBOR implements cbor.Marshaler.
func (l ComponentList) MarshalCBOR() ([]byte, error) {
	raws := make([]cbor.RawMessage, len(l))
	for i, c := range l {
		raw, err := EncodeComponent(c)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		raws[i] = raw
	}
	return cbor.Marshal(raws)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (l *ComponentList) UnmarshalCBOR(data []byte) error {
	var raws []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("decoding component list: %w", err)
	}
	out := make(ComponentList, len(raws))
	for i, raw := range raws {
		c, err := DecodeComponent(raw)
		if err != nil {
			return fmt.Errorf("component %d: %w", i, err)
		}
		out[i] = c
	}
	*l = out
	return nil
}

// EncodeComponent serializes one component as a CBOR map with the "type"
// discriminator. Unknown values are rejected: they exist only as a decoding
// artifact.
func EncodeComponent(c Component) ([]byte, error) {
	var payload any
	switch v := c.(type) {
	case Title:
		payload = struct {
			T string `cbor:"type"`
			Title
		}{ComponentTitle, v}
	case Text:
		payload = struct {
			T string `cbor:"type"`
			Text
		}{ComponentText, v}
	case Image:
		payload = struct {
			T string `cbor:"type"`
			Image
		}{ComponentImage, v}
	case Table:
		payload = struct {
			T string `cbor:"type"`
			Table
		}{ComponentTable, v}
	default:
		return nil, fmt.Errorf("encoding component %T: %w", c, ErrUnknownTag)
	}
	return cbor.Marshal(payload)
}

// DecodeComponent deserializes one component. Unrecognized tags decode to
// Unknown rather than erroring.
func DecodeComponent(payload []byte) (Component, error) {
	var probe struct {
		T string `cbor:"type"`
	}
	if err := cbor.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("decoding component envelope: %w", err)
	}

	var c Component
	var err error
	switch probe.T {
	case ComponentTitle:
		var v Title
		err = unmarshalBody(payload, &v)
		c = v
	case ComponentText:
		var v Text
		err = unmarshalBody(payload, &v)
		c = v
	case ComponentImage:
		var v Image
		err = unmarshalBody(payload, &v)
		c = v
	case ComponentTable:
		var v Table
		err = unmarshalBody(payload, &v)
		c = v
	default:
		c = Unknown{TypeTag: probe.T}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
