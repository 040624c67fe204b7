package scheduler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Param is a single request parameter. List marks keys that carry a
// sequence (such as "setting") so a one-element list stays a list.
type Param struct {
	Key    string
	Values []string
	List   bool
}

// Params is an insertion-ordered set of request parameters. The JSON form is
// an object whose key order matches the slice order.
type Params []Param

// ParseQuery decodes a raw query string keeping first-appearance key order.
// Repeated keys collapse into one list-valued Param.
func ParseQuery(raw string) (Params, error) {
	var out Params
	for raw != "" {
		var pair string
		pair, raw, _ = strings.Cut(raw, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("unescape key %q: %w", k, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("unescape value for %q: %w", key, err)
		}
		if idx := out.index(key); idx >= 0 {
			out[idx].Values = append(out[idx].Values, value)
			out[idx].List = true
			continue
		}
		out = append(out, Param{Key: key, Values: []string{value}})
	}
	return out, nil
}

func (p Params) index(key string) int {
	for i := range p {
		if p[i].Key == key {
			return i
		}
	}
	return -1
}

// Get returns the first value for key.
func (p Params) Get(key string) (string, bool) {
	idx := p.index(key)
	if idx < 0 || len(p[idx].Values) == 0 {
		return "", false
	}
	return p[idx].Values[0], true
}

// Value returns the first value for key or the empty string.
func (p Params) Value(key string) string {
	v, _ := p.Get(key)
	return v
}

// Values returns a copy of all values for key.
func (p Params) Values(key string) []string {
	idx := p.index(key)
	if idx < 0 {
		return nil
	}
	return append([]string(nil), p[idx].Values...)
}

// Has reports whether key is present with a non-empty first value.
func (p Params) Has(key string) bool {
	v, ok := p.Get(key)
	return ok && v != ""
}

// Keys lists keys in order.
func (p Params) Keys() []string {
	keys := make([]string, len(p))
	for i := range p {
		keys[i] = p[i].Key
	}
	return keys
}

// Set replaces key with a single scalar value, keeping its position.
func (p Params) Set(key, value string) Params {
	if idx := p.index(key); idx >= 0 {
		p[idx] = Param{Key: key, Values: []string{value}}
		return p
	}
	return append(p, Param{Key: key, Values: []string{value}})
}

// SetList replaces key with a list value, keeping its position.
func (p Params) SetList(key string, values ...string) Params {
	param := Param{Key: key, Values: append([]string(nil), values...), List: true}
	if idx := p.index(key); idx >= 0 {
		p[idx] = param
		return p
	}
	return append(p, param)
}

// Append adds values to a list-valued key, creating it when absent.
func (p Params) Append(key string, values ...string) Params {
	if idx := p.index(key); idx >= 0 {
		p[idx].Values = append(p[idx].Values, values...)
		p[idx].List = true
		return p
	}
	return p.SetList(key, values...)
}

// Del removes key.
func (p Params) Del(key string) Params {
	idx := p.index(key)
	if idx < 0 {
		return p
	}
	return append(p[:idx], p[idx+1:]...)
}

// Retain drops every key not in allowed.
func (p Params) Retain(allowed map[string]struct{}) Params {
	out := p[:0]
	for _, param := range p {
		if _, ok := allowed[param.Key]; ok {
			out = append(out, param)
		}
	}
	return out
}

// Clone deep-copies the parameter set.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for i, param := range p {
		out[i] = Param{Key: param.Key, Values: append([]string(nil), param.Values...), List: param.List}
	}
	return out
}

// Form flattens the parameters into form values for the backend.
func (p Params) Form() url.Values {
	form := make(url.Values, len(p))
	for _, param := range p {
		for _, v := range param.Values {
			form.Add(param.Key, v)
		}
	}
	return form
}

// MarshalJSON writes an ordered JSON object.
func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, param := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(param.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", param.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		var value []byte
		switch {
		case param.List:
			values := param.Values
			if values == nil {
				values = []string{}
			}
			value, err = json.Marshal(values)
		case len(param.Values) == 0:
			value = []byte(`""`)
		default:
			value, err = json.Marshal(param.Values[0])
		}
		if err != nil {
			return nil, fmt.Errorf("marshal value for %q: %w", param.Key, err)
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an ordered JSON object. Numbers and booleans keep their
// literal text.
func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read params: %w", err)
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("params must be a JSON object")
	}
	out := Params{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read param key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyTok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("read value for %q: %w", key, err)
		}
		param, err := decodeParam(key, raw)
		if err != nil {
			return err
		}
		if idx := out.index(key); idx >= 0 {
			out[idx] = param
			continue
		}
		out = append(out, param)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("read params end: %w", err)
	}
	*p = out
	return nil
}

func decodeParam(key string, raw json.RawMessage) (Param, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var items []any
		if err := dec.Decode(&items); err != nil {
			return Param{}, fmt.Errorf("decode list for %q: %w", key, err)
		}
		values := make([]string, 0, len(items))
		for _, item := range items {
			text, err := scalarText(item)
			if err != nil {
				return Param{}, fmt.Errorf("decode list item for %q: %w", key, err)
			}
			values = append(values, text)
		}
		return Param{Key: key, Values: values, List: true}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var item any
	if err := dec.Decode(&item); err != nil {
		return Param{}, fmt.Errorf("decode value for %q: %w", key, err)
	}
	text, err := scalarText(item)
	if err != nil {
		return Param{}, fmt.Errorf("decode value for %q: %w", key, err)
	}
	return Param{Key: key, Values: []string{text}}, nil
}

func scalarText(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("marshal nested value: %w", err)
		}
		return string(b), nil
	}
}
