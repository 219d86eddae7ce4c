package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// document is a decoded JSON object with dotted-path accessors.
type document map[string]any

func decode(payload json.RawMessage) (document, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var d document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if d == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return d, nil
}

func (d document) lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// str returns the first non-empty scalar found at any of paths.
func (d document) str(paths ...string) string {
	for _, p := range paths {
		if v, ok := d.lookup(p); ok {
			if s := scalar(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// require is str that fails when nothing is found.
func (d document) require(what string, paths ...string) (string, error) {
	if s := d.str(paths...); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("missing %s (looked at %s)", what, strings.Join(paths, ", "))
}

// records returns the objects of the list at path. A value that is not a
// list, or a list item that is not an object, is an error naming the index.
func (d document) records(path string) ([]document, error) {
	v, ok := d.lookup(path)
	if !ok {
		return nil, fmt.Errorf("missing %s list", path)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s is not a list", path)
	}
	out := make([]document, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not an object", path, i)
		}
		out = append(out, document(m))
	}
	return out, nil
}

// collect builds an upsert body from destination field -> source path.
// Empty values are left out so a partial form never blanks a remote field.
func (d document) collect(mapping map[string]string) map[string]any {
	fields := make(map[string]any, len(mapping))
	for dst, path := range mapping {
		if s := d.str(path); s != "" {
			fields[dst] = s
		}
	}
	return fields
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
