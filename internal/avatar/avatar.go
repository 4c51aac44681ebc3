// Package avatar handles profile pictures: inline data-URI validation, the
// deterministic default avatar derived from a display name, and optional
// object storage for uploads.
package avatar

import (
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
)

// MaxImageBytes caps the decoded size of an uploaded picture.
const MaxImageBytes = 5 << 20

var (
	ErrInvalidFormat = errors.New("unsupported image encoding")
	ErrTooLarge      = errors.New("image exceeds size limit")
)

var allowedTypes = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Image is a decoded inline upload.
type Image struct {
	ContentType string
	Ext         string
	Data        []byte
}

// ParseDataURI validates and decodes a base64 data URI. Only the image types
// in allowedTypes are accepted and the decoded payload must stay under
// MaxImageBytes.
func ParseDataURI(raw string) (Image, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return Image{}, ErrInvalidFormat
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return Image{}, ErrInvalidFormat
	}
	contentType, encoding, ok := strings.Cut(meta, ";")
	if !ok || encoding != "base64" {
		return Image{}, ErrInvalidFormat
	}
	ext, ok := allowedTypes[contentType]
	if !ok {
		return Image{}, ErrInvalidFormat
	}

	// Cheap upper bound before decoding: 4 base64 chars carry 3 bytes.
	if len(payload)/4*3 > MaxImageBytes {
		return Image{}, ErrTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, ErrInvalidFormat
	}
	if len(data) == 0 {
		return Image{}, ErrInvalidFormat
	}
	if len(data) > MaxImageBytes {
		return Image{}, ErrTooLarge
	}
	return Image{ContentType: contentType, Ext: ext, Data: data}, nil
}

// palette for default avatars; picked by hashing the display name so the same
// name always yields the same color.
var palette = []string{"#1abc9c", "#3498db", "#9b59b6", "#e67e22", "#e74c3c", "#2c3e50", "#16a085", "#8e44ad"}

// Default renders the deterministic initials avatar for a display name as an
// SVG data URI.
func Default(name string) string {
	initials := initialsOf(name)
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(name)))
	color := palette[h.Sum32()%uint32(len(palette))]

	svg := fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="128" height="128"><rect width="128" height="128" fill="%s"/><text x="50%%" y="50%%" dy=".35em" text-anchor="middle" font-family="sans-serif" font-size="52" fill="#fff">%s</text></svg>`,
		color, initials,
	)
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}

func initialsOf(name string) string {
	fields := strings.Fields(strings.TrimSpace(name))
	switch len(fields) {
	case 0:
		return "?"
	case 1:
		return strings.ToUpper(firstRune(fields[0]))
	default:
		return strings.ToUpper(firstRune(fields[0]) + firstRune(fields[len(fields)-1]))
	}
}

func firstRune(s string) string {
	for _, r := range s {
		return string(r)
	}
	return ""
}
