package sync

import (
	"strings"

	"github.com/fclairamb/objsync/internal/objdb/adapters"
)

// contentTypeExts guesses a content file extension from the
// content_type property.
var contentTypeExts = map[string]string{
	"application/pdf":        "pdf",
	"application/json":       "json",
	"application/javascript": "js",
	"image/jpeg":             "jpg",
	"image/gif":              "gif",
	"image/png":              "png",
	"text/javascript":        "js",
	"text/css":               "css",
	"text/html":              "html",
	"image/svg+xml":          "svg",
}

// typeExts guesses an extension from the object type when the
// content type gives nothing better.
var typeExts = map[string]string{
	"script":    "py",
	"sqlmethod": "sql",
	"template":  "html",
}

// sourceExt guesses the best extension for an object's content file:
// the object name's own extension if it has one, overridden by the
// object type, overridden by the declared content type, with "txt" as
// the fallback.
func sourceExt(name string, rec adapters.Record) string {
	ext := "txt"
	if idx := strings.LastIndex(name, "."); idx > 0 && idx < len(name)-1 {
		ext = name[idx+1:]
	}
	if e, ok := typeExts[rec.Type()]; ok {
		ext = e
	}
	if props, ok := rec["props"].(map[string]string); ok {
		if e, ok := contentTypeExts[props["content_type"]]; ok {
			ext = e
		}
	}
	return ext
}
