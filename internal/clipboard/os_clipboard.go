package clipboard

import (
	"errors"

	"github.com/atotto/clipboard"
)

// ErrUnsupportedType is returned by Write when asked to place content
// of a type OSClipboard cannot represent.
var ErrUnsupportedType = errors.New("clipboard: unsupported content type")

// OSClipboard is the plain-text OS clipboard adapter. It satisfies
// Collaborator for ContentPlainText and ContentURL only; richer content
// types (rich text, image, file) are the embedding application's
// responsibility and are rejected here.
type OSClipboard struct{}

// NewOSClipboard returns a Collaborator backed by the platform
// clipboard (pbcopy/pbpaste, xclip/xsel, or the Windows clipboard API,
// depending on OS).
func NewOSClipboard() *OSClipboard { return &OSClipboard{} }

func (OSClipboard) SupportsType(t ContentType) bool {
	return t == ContentPlainText || t == ContentURL
}

// Read returns the current OS clipboard text, or ok=false if it's empty.
func (o OSClipboard) Read() (Content, bool, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return Content{}, false, err
	}
	if text == "" {
		return Content{}, false, nil
	}
	return NewContent(ContentPlainText, []byte(text)), true, nil
}

// Write places text content on the OS clipboard.
func (o OSClipboard) Write(c Content) error {
	if !o.SupportsType(c.Type) {
		return ErrUnsupportedType
	}
	return clipboard.WriteAll(string(c.Data))
}

// Clear empties the OS clipboard.
func (o OSClipboard) Clear() error {
	return clipboard.WriteAll("")
}
