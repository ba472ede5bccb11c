package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	redactedValue   = "[REDACTED]"
	redactedPattern = "[REDACTED:pattern]"
	maxPatternLen   = 200
)

// RedactedString logs only the length of val.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactor decides which keys and string values are sensitive. A key is
// sensitive when it equals a configured field or ends with "_<field>", so
// completion_api_key is caught by api_key.
type redactor struct {
	fields   []string
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) (*redactor, error) {
	r := &redactor{}
	for _, f := range cfg.Fields {
		r.fields = append(r.fields, strings.ToLower(f))
	}
	for _, p := range cfg.Patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *redactor) key(k string) bool {
	if r == nil {
		return false
	}
	k = strings.ToLower(k)
	for _, f := range r.fields {
		if k == f || strings.HasSuffix(k, "_"+f) {
			return true
		}
	}
	return false
}

func (r *redactor) value(v string) bool {
	if r == nil {
		return false
	}
	for _, re := range r.patterns {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

// RedactingEncoder wraps a zapcore.Encoder and masks sensitive fields
// before they reach the wrapped encoder.
type RedactingEncoder struct {
	zapcore.Encoder
	r *redactor
}

// NewRedactingEncoder wraps base with the rules in cfg. A disabled config
// passes every field through.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}
	r, err := newRedactor(cfg)
	if err != nil {
		return nil, err
	}
	return &RedactingEncoder{Encoder: base, r: r}, nil
}

func (e *RedactingEncoder) AddString(key, val string) {
	switch {
	case e.r.key(key):
		e.Encoder.AddString(key, redactedValue)
	case e.r.value(val):
		e.Encoder.AddString(key, redactedPattern)
	default:
		e.Encoder.AddString(key, val)
	}
}

func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.r.key(key) {
		val = []byte(redactedValue)
	}
	e.Encoder.AddByteString(key, val)
}

func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.r.key(key) {
		val = []byte(redactedValue)
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected masks the whole value; task payloads logged with zap.Any
// arrive here.
func (e *RedactingEncoder) AddReflected(key string, val any) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redactedValue)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redactedValue)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.r.key(key) {
		e.Encoder.AddString(key, redactedValue)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}

// EncodeEntry adds the entry's fields through the masking methods, then
// lets the wrapped encoder write the line.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	clone := e.Clone().(*RedactingEncoder)
	for i := range fields {
		fields[i].AddTo(clone)
	}
	return clone.Encoder.EncodeEntry(ent, nil)
}
