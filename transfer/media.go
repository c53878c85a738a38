// Package transfer moves media in and out of the render engine: it resolves
// input images from URLs or inline payloads, materializes them where the engine
// can load them, and publishes finished videos.
package transfer

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Media is a resolved input payload.
type Media struct {
	Data      []byte
	MediaType string
	Ext       string
}

func newMedia(data []byte, declared string) *Media {
	mt := normalizeMediaType(declared)
	if mt == "" || mt == "application/octet-stream" {
		mt = normalizeMediaType(http.DetectContentType(data))
	}
	return &Media{Data: data, MediaType: mt, Ext: ExtFromMime(mt)}
}

func normalizeMediaType(s string) string {
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return mt
}

// ExtFromMime returns the file extension for a media type, or ".bin".
func ExtFromMime(mt string) string {
	switch strings.ToLower(strings.TrimSpace(mt)) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/bmp":
		return ".bmp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	default:
		return ".bin"
	}
}

// IsImageType reports whether mt is an image format the engine can load.
func IsImageType(mt string) bool {
	mt = strings.ToLower(strings.TrimSpace(mt))
	return strings.HasPrefix(mt, "image/") && ExtFromMime(mt) != ".bin"
}

// ContentTypeFromName guesses an upload content type from a file name.
func ContentTypeFromName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	case ".mov":
		return "video/quicktime"
	default:
		return "application/octet-stream"
	}
}

// SanitizeFilename strips path separators and traversal from a caller-supplied name.
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "output"
	}
	return s
}
