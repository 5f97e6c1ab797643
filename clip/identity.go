package clip

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// fieldDelimiter separates voice-setting values in the canonical identity
// string. Values are escaped so adjacent fields cannot collide.
const fieldDelimiter = '|'

// ComputeID derives the deterministic cache key for a text/voice pairing.
// The key is a sha256 hash of the canonicalized voice settings followed by
// the full spoken text (prepend + text + append), lower-cased. Identical
// inputs always produce the same ID and any voice-setting change produces
// a different one.
func ComputeID(text string, settings VoiceSettings) string {
	var b strings.Builder

	for _, field := range []string{
		settings.Voice,
		settings.Language,
		strconv.FormatFloat(settings.Speed, 'f', 4, 64),
		strconv.FormatFloat(settings.Pitch, 'f', 4, 64),
		settings.PrependText,
		settings.AppendText,
	} {
		writeEscaped(&b, field)
		b.WriteByte(fieldDelimiter)
	}

	b.WriteString(settings.PrependText)
	b.WriteString(text)
	b.WriteString(settings.AppendText)

	canonical := strings.ToLower(b.String())
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// writeEscaped writes s with the field delimiter and the escape character
// backslash-escaped.
func writeEscaped(b *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == fieldDelimiter || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
}
