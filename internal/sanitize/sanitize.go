// Package sanitize validates and normalizes identifiers that arrive from
// operators and out-of-process agents.
//
// Namespaces and agent names end up in SQL rows, vector collection names
// and NATS subjects, so every surface checks them here before use.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the maximum length of a namespace.
	MaxIdentifierLength = 64

	// HashSuffixLength is the length of the "_<8 hex>" suffix added to
	// truncated identifiers.
	HashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

// Identifier derives a valid namespace from arbitrary text such as a
// directory name or repository URL.
//
//	"github.com/user" -> "github_com_user"
//	"My Project!"     -> "my_project"
//	"" or "!!!"       -> "default"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		out = truncateWithHash(out)
	}
	return out
}

// truncateWithHash keeps distinct long inputs distinct after truncation.
func truncateWithHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return strings.TrimRight(s[:MaxIdentifierLength-HashSuffixLength], "_") + suffix
}
