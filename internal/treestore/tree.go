package treestore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// toGeneric converts v into the map/slice/json.Number form held in documents.
func toGeneric(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		raw = b
	}
	return decode(raw)
}

func decode(raw []byte) (any, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}

// getNode walks segments from root; nil when any step is missing.
func getNode(root any, segments []string) any {
	node := root
	for _, seg := range segments {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return node
}

// setNode returns root with value placed at segments. A nil value removes the
// node. Intermediate nodes that are missing or not objects become objects.
func setNode(root any, segments []string, value any) any {
	if len(segments) == 0 {
		return value
	}
	m, ok := root.(map[string]any)
	if !ok {
		if value == nil {
			return root
		}
		m = map[string]any{}
	}
	head := segments[0]
	child := setNode(m[head], segments[1:], value)
	if child == nil {
		delete(m, head)
	} else {
		m[head] = child
	}
	return m
}

// normalize drops nil leaves and empty objects so that an empty subtree is
// indistinguishable from an absent one.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			n := normalize(child)
			if n == nil {
				delete(t, k)
				continue
			}
			t[k] = n
		}
		if len(t) == 0 {
			return nil
		}
		return t
	default:
		return v
	}
}
