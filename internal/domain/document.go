package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is an opaque structured value such as a webhook payload or a plan's
// feature flags. Only key extraction is supported; no schema is enforced.
type Document map[string]any

// ParseDocument decodes raw JSON into a Document. The input must be a JSON object.
func ParseDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	return doc, nil
}

// Lookup walks a dotted path ("payload.subscription.entity.id") and returns the
// value. Numeric segments index into arrays ("lines.data.0.period").
func (d Document) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range strings.Split(path, ".") {
		if list, ok := cur.([]any); ok {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(list) {
				return nil, false
			}
			cur = list[i]
			continue
		}
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path, or "" if missing or not a scalar.
func (d Document) String(path string) string {
	v, ok := d.Lookup(path)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// Time reads a unix-seconds number (or numeric string) at path.
func (d Document) Time(path string) (time.Time, bool) {
	v, ok := d.Lookup(path)
	if !ok || v == nil {
		return time.Time{}, false
	}
	var secs int64
	switch t := v.(type) {
	case float64:
		secs = int64(t)
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		secs = n
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		secs = n
	default:
		return time.Time{}, false
	}
	if secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

// Bool reads a boolean flag at path.
func (d Document) Bool(path string) bool {
	v, ok := d.Lookup(path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Document:
		return m, true
	}
	return nil, false
}
