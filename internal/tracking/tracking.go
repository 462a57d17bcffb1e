// Package tracking generates the opaque codes embedded in outbound email
// bodies and serves the assets used to observe engagement.
package tracking

import (
	"fmt"
	"net/url"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// CodeAlphabet is the character set used for tracking codes. URL-safe and
// unambiguous so codes survive copy/paste and email client rewriting.
const CodeAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// CodeLength is the number of characters in a generated tracking code.
const CodeLength = 21

// NewCode generates a fresh tracking code.
func NewCode() (string, error) {
	code, err := gonanoid.Generate(CodeAlphabet, CodeLength)
	if err != nil {
		return "", fmt.Errorf("tracking: generate code: %w", err)
	}
	return code, nil
}

// ValidCode reports whether the supplied string looks like a code produced by
// NewCode. Handlers use it to reject junk before touching the store.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return false
		}
	}
	return true
}

// PixelURL builds the public open-tracking pixel URL for a code.
func PixelURL(baseURL, code string) string {
	return fmt.Sprintf("%s/track/open/%s", strings.TrimRight(baseURL, "/"), code)
}

// ClickURL builds the public click-tracking redirect URL for a code and target.
func ClickURL(baseURL, code, target string) string {
	return fmt.Sprintf("%s/track/click/%s?url=%s", strings.TrimRight(baseURL, "/"), code, url.QueryEscape(target))
}

// Pixel is a valid 1x1 transparent GIF served by the open-tracking endpoint.
var Pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, // GIF89a
	0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}
