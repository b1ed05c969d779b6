package platform

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// The platform is inconsistent about response envelopes. Ids are pulled out by an ordered
// list of named strategies; the first that yields a value wins.

type strategy struct {
	name string
	get  func(v any) (any, bool)
}

var idStrategies = []strategy{
	{"bare", func(v any) (any, bool) { return scalar(v) }},
	{"id", func(v any) (any, bool) { return path(v, "id") }},
	{"data.id", func(v any) (any, bool) { return path(v, "data", "id") }},
	{"result.id", func(v any) (any, bool) { return path(v, "result", "id") }},
	{"data (scalar)", func(v any) (any, bool) { return path(v, "data") }},
	{"ids[0]", func(v any) (any, bool) { return path(v, "ids", 0) }},
	{"data[0].id", func(v any) (any, bool) { return path(v, "data", 0, "id") }},
	{"[0].id", func(v any) (any, bool) { return path(v, 0, "id") }},
	{"[0]", func(v any) (any, bool) { return path(v, 0) }},
}

var listStrategies = []strategy{
	{"ids", func(v any) (any, bool) { return list(v, "ids") }},
	{"geozoneIds", func(v any) (any, bool) { return list(v, "geozoneIds") }},
	{"data.ids", func(v any) (any, bool) { return list(v, "data", "ids") }},
	{"data[]", func(v any) (any, bool) { return list(v, "data") }},
	{"items[]", func(v any) (any, bool) { return list(v, "items") }},
	{"[]", func(v any) (any, bool) { return list(v) }},
}

func decodeAny(body []byte) (any, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// extractID returns the first positive integer id found in body and the strategy that found it.
func extractID(body []byte) (int64, string, bool) {
	v, ok := decodeAny(body)
	if !ok {
		return 0, "", false
	}
	for _, s := range idStrategies {
		if raw, ok := s.get(v); ok {
			if id, ok := toInt64(raw); ok && id > 0 {
				return id, s.name, true
			}
		}
	}
	return 0, "", false
}

// extractString is extractID for ids the platform hands out as strings (rollouts).
func extractString(body []byte) (string, bool) {
	v, ok := decodeAny(body)
	if !ok {
		return "", false
	}
	for _, s := range idStrategies {
		if raw, ok := s.get(v); ok {
			switch t := raw.(type) {
			case string:
				if t != "" {
					return t, true
				}
			case json.Number:
				return t.String(), true
			}
		}
	}
	return "", false
}

// extractIDs collects every id from list-shaped responses, falling back to a single id.
func extractIDs(body []byte) []int64 {
	v, ok := decodeAny(body)
	if !ok {
		return nil
	}
	for _, s := range listStrategies {
		raw, ok := s.get(v)
		if !ok {
			continue
		}
		var ids []int64
		for _, item := range raw.([]any) {
			if id, ok := toInt64(item); ok && id > 0 {
				ids = append(ids, id)
				continue
			}
			if f, ok := path(item, "id"); ok {
				if id, ok := toInt64(f); ok && id > 0 {
					ids = append(ids, id)
				}
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}
	if id, _, ok := extractID(body); ok {
		return []int64{id}
	}
	return nil
}

// path walks string keys (case-insensitive) and int indexes.
func path(v any, steps ...any) (any, bool) {
	cur := v
	for _, st := range steps {
		switch k := st.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = field(m, k)
			if !ok {
				return nil, false
			}
		case int:
			arr, ok := cur.([]any)
			if !ok || k >= len(arr) {
				return nil, false
			}
			cur = arr[k]
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func list(v any, steps ...any) (any, bool) {
	got, ok := path(v, steps...)
	if !ok {
		return nil, false
	}
	arr, ok := got.([]any)
	return arr, ok && len(arr) > 0
}

func field(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func scalar(v any) (any, bool) {
	switch v.(type) {
	case json.Number, string:
		return v, true
	}
	return nil, false
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	case float64:
		return int64(t), t == float64(int64(t))
	}
	return 0, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}
