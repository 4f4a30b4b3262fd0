// Package clipboard defines the clipboard content model and the
// OS-clipboard collaborator interface used by internal/session to
// broadcast local changes and apply remote ones.
package clipboard

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentType identifies the kind of payload a ClipboardContent carries.
type ContentType string

const (
	ContentPlainText ContentType = "plain_text"
	ContentRichText  ContentType = "rich_text"
	ContentImage     ContentType = "image"
	ContentFile      ContentType = "file"
	ContentURL       ContentType = "url"
)

// MaxPreviewLength bounds the text preview stored alongside a payload.
const MaxPreviewLength = 200

// MaxPayloadBytes is the largest clipboard payload this core will
// capture, broadcast, or accept from a peer.
const MaxPayloadBytes = 50 * 1024 * 1024

// Content is a tagged union over the clipboard content kinds this
// system moves between devices. Only one of PlainText/RichText/Image/
// File/Url-shaped data is meaningful at a time, selected by Type.
type Content struct {
	Type     ContentType
	Data     []byte
	MimeType string // optional, e.g. "image/png", "text/html"
	Width    int    // optional, image content only
	Height   int    // optional, image content only
	Filename string // optional, file content only
	Preview  string // optional, truncated to MaxPreviewLength
}

// NewContent builds a Content. For text-like types (plain text, URL) the
// preview is derived from Data and truncated to MaxPreviewLength; other
// types get no preview.
func NewContent(typ ContentType, data []byte) Content {
	c := Content{Type: typ, Data: data}
	if typ == ContentPlainText || typ == ContentURL {
		c.Preview = truncatePreview(string(data))
	}
	return c
}

func truncatePreview(s string) string {
	r := []rune(s)
	if len(r) <= MaxPreviewLength {
		return s
	}
	return string(r[:MaxPreviewLength])
}

// Hash returns the hex-encoded SHA-256 of the content's type and bytes,
// used both as the wire content hash and as the change-detection key.
func (c Content) Hash() string {
	h := sha256.New()
	h.Write([]byte(c.Type))
	h.Write(c.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// Size returns the payload size in bytes.
func (c Content) Size() int { return len(c.Data) }

// TooLarge reports whether the content exceeds MaxPayloadBytes.
func (c Content) TooLarge() bool { return len(c.Data) > MaxPayloadBytes }

// Collaborator is the external OS clipboard contract. internal/clipboard
// supplies a plain-text implementation (OSClipboard); richer types
// (images, files) are read/written by the embedding application, which
// is expected to satisfy this same interface.
type Collaborator interface {
	Read() (Content, bool, error)
	Write(Content) error
	Clear() error
	SupportsType(ContentType) bool
}
