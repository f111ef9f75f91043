package walker

import (
	"path"
	"strings"
)

// mediaTypes is the fixed extension table. Unknown extensions fall back to
// application/octet-stream.
var mediaTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".avif": "image/avif",
	".woff": "font/woff",
	".woff2": "font/woff2",
	".ttf":  "font/ttf",
	".otf":  "font/otf",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".pdf":  "application/pdf",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mp3":  "audio/mpeg",
	".wasm": "application/wasm",
	".map":  "application/json",
}

// MediaType derives a media type from a path's extension, defaulting to
// application/octet-stream when the extension is unknown or absent.
func MediaType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if mt, ok := mediaTypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}
