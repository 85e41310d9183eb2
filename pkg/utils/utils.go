package utils

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}

// FormatDuration renders a wait time for user-facing notices, e.g.
// "1h 5m" or "42s". Sub-second waits round up to one second.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return "1s"
	}
	d = d.Round(time.Second)

	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second

	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	case m > 0 && s > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

var audioExtensions = map[string]bool{
	".ogg": true, ".mp3": true, ".wav": true, ".m4a": true, ".opus": true, ".flac": true,
}

// IsImageFile guesses from filename extension and content type.
func IsImageFile(filename, contentType string) bool {
	if strings.HasPrefix(contentType, "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(filepath.Ext(filename))]
}

// IsAudioFile guesses from filename extension and content type.
func IsAudioFile(filename, contentType string) bool {
	if strings.HasPrefix(contentType, "audio/") {
		return true
	}
	return audioExtensions[strings.ToLower(filepath.Ext(filename))]
}
