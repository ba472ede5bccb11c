package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration read from strings such as "30s" or "720h".
// Negative values are rejected: every duration in the config is a timeout,
// an interval or a retention window.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	if v < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d Duration) String() string { return d.Duration().String() }

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

const redacted = "[REDACTED]"

// Secret holds a credential such as a provider API key. Every printed or
// serialized form is masked; only Value returns the raw string.
type Secret string

func (s Secret) mask() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string { return s.mask() }

func (s Secret) GoString() string { return "config.Secret(" + redacted + ")" }

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.mask()) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.mask()), nil }

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
