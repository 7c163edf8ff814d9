package sdk

import "github.com/houqp/kiorg/pkg/protocol"

// Convenience constructors for the component kinds a handler returns.

// Title renders text as the preview heading.
func Title(text string) protocol.Component {
	return protocol.Title{Text: text}
}

// Text renders a block of plain text.
func Text(text string) protocol.Component {
	return protocol.Text{Text: text}
}

// Table renders tabular data.
func Table(headers []string, rows [][]string) protocol.Component {
	return protocol.Table{Headers: headers, Rows: rows}
}

// ImageFromPath renders the image file at path. The host loads the bytes
// itself, so this suits previews of files already on disk.
func ImageFromPath(path string) protocol.Component {
	return protocol.Image{Source: protocol.ImageSource{Path: path}}
}

// ImageFromBytes renders an image the plugin produced in memory. format
// names the encoding ("png", "jpeg"); uid must change whenever the bytes
// do, since the host keys its texture cache on it.
func ImageFromBytes(format string, data []byte, uid string) protocol.Component {
	return protocol.Image{
		Source: protocol.ImageSource{
			Bytes: &protocol.ImageBytes{Format: format, Data: data, UID: uid},
		},
	}
}

// InteractiveImage marks an image as accepting pointer events in the
// popup view.
func InteractiveImage(c protocol.Component) protocol.Component {
	img, ok := c.(protocol.Image)
	if !ok {
		return c
	}
	img.Interactive = true
	return img
}
