package model

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// DecodeImage decodes a receipt image sent either as raw base64 or as a
// "data:<mime>;base64,<payload>" URL.
func DecodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.HasSuffix(s[:comma], ";base64") {
			return nil, fmt.Errorf("%w: malformed data url", ErrInvalidImage)
		}
		s = s[comma+1:]
	}
	if s == "" {
		return nil, ErrEmptyImage
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	if len(b) == 0 {
		return nil, ErrEmptyImage
	}
	return b, nil
}

// ImageDataURL encodes image as a data URL, sniffing the mime type.
func ImageDataURL(image []byte) string {
	return "data:" + ImageMIME(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
}

// ImageMIME returns the sniffed mime type of image, without parameters.
func ImageMIME(image []byte) string {
	mime := http.DetectContentType(image)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime
}
