// Package compress implements the reversible payload codec used by the
// transport: raw DEFLATE, base64-encoded, tagged with a sentinel
// prefix so consumers can recognise compressed text without trying to
// inflate it.
package compress

import (
	"bytes"
	"encoding/base64"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
)

// Prefix tags compressed output.
const Prefix = "__SENTINEL_DEFLATE__:"

// DefaultLevel is used when level is 0.
const DefaultLevel = 6

// maxInflated bounds speculative and tagged decompression. Larger
// output is a failure, not a truncation.
var maxInflated int64 = 64 << 20

// Compress deflates text at level (1-9) and returns the tagged form.
// Empty input and input that is already compressed are returned as-is.
// On any failure the input is returned unchanged.
func Compress(text string, level int) (out string) {
	if text == "" || IsCompressed(text) {
		return text
	}
	defer func() {
		if recover() != nil {
			out = text
		}
	}()

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, clampLevel(level))
	if err != nil {
		return text
	}
	if _, err := io.WriteString(w, text); err != nil {
		return text
	}
	if err := w.Close(); err != nil {
		return text
	}
	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// Decompress reverses Compress. The tag is optional. Any failure
// returns the input unchanged.
func Decompress(text string) string {
	if text == "" {
		return text
	}
	out, ok := inflate(strings.TrimPrefix(text, Prefix))
	if !ok {
		return text
	}
	return out
}

// IsCompressed reports whether text carries the tag or, untagged,
// decodes and inflates cleanly.
func IsCompressed(text string) bool {
	if strings.HasPrefix(text, Prefix) {
		return true
	}
	if len(text) < 4 || len(text)%4 != 0 {
		return false
	}
	_, ok := inflate(text)
	return ok
}

func inflate(encoded string) (out string, ok bool) {
	defer func() {
		if recover() != nil {
			out, ok = "", false
		}
	}()

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return "", false
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()

	b, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
	if err != nil || len(b) == 0 || int64(len(b)) > maxInflated {
		return "", false
	}
	return string(b), true
}

func clampLevel(level int) int {
	switch {
	case level == 0:
		return DefaultLevel
	case level < flate.BestSpeed:
		return flate.BestSpeed
	case level > flate.BestCompression:
		return flate.BestCompression
	default:
		return level
	}
}
