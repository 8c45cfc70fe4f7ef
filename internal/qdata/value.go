// Package qdata models the JSON payload of a questionnaire: a map from
// question group keyword to a list of groups, each group a map from
// question keyword to a value. Values arrive as untyped JSON and are
// normalized against the questionnaire's configuration before storage.
package qdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind discriminates the shapes a stored value can take.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindFloat
	KindList
	KindLang
)

// Value is one answer. Exactly the field matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Str   string
	Bool  bool
	Int   int64
	Float float64
	List  []string
	Lang  map[string]string
}

func String(s string) Value        { return Value{Kind: KindString, Str: s} }
func Boolean(b bool) Value         { return Value{Kind: KindBool, Bool: b} }
func Integer(n int64) Value        { return Value{Kind: KindInt, Int: n} }
func Float(f float64) Value        { return Value{Kind: KindFloat, Float: f} }
func List(items []string) Value    { return Value{Kind: KindList, List: items} }
func Lang(m map[string]string) Value { return Value{Kind: KindLang, Lang: m} }

// IsEmpty reports whether the value carries no content and should be
// dropped during cleaning. A false boolean is content.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindString:
		return v.Str == ""
	case KindList:
		return len(v.List) == 0
	case KindLang:
		for _, s := range v.Lang {
			if s != "" {
				return false
			}
		}
		return true
	}
	return false
}

// Translation returns the text in the given language, falling back to
// English, then to any non-empty translation.
func (v Value) Translation(lang string) string {
	if v.Kind == KindString {
		return v.Str
	}
	if v.Kind != KindLang {
		return ""
	}
	if s := v.Lang[lang]; s != "" {
		return s
	}
	if s := v.Lang["en"]; s != "" {
		return s
	}
	langs := make([]string, 0, len(v.Lang))
	for l := range v.Lang {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	for _, l := range langs {
		if v.Lang[l] != "" {
			return v.Lang[l]
		}
	}
	return ""
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		return json.Marshal(v.Float)
	case KindList:
		return json.Marshal(v.List)
	case KindLang:
		return json.Marshal(v.Lang)
	}
	return nil, fmt.Errorf("qdata: marshal unknown kind %d", v.Kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// fromAny maps decoded JSON onto a Value. Objects must be string-to-string
// translation maps, arrays must be string lists.
func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case bool:
		return Boolean(t), nil
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return Integer(n), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("qdata: bad number %q", t.String())
		}
		return Float(f), nil
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("qdata: list item is %T, want string", item)
			}
			items = append(items, s)
		}
		return List(items), nil
	case map[string]any:
		m := make(map[string]string, len(t))
		for lang, item := range t {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("qdata: translation %q is %T, want string", lang, item)
			}
			m[lang] = s
		}
		return Lang(m), nil
	case nil:
		return String(""), nil
	}
	return Value{}, fmt.Errorf("qdata: unsupported value type %T", raw)
}

// Group is one repetition of a question group.
type Group map[string]Value

// Data is the full payload of a questionnaire.
type Data map[string][]Group

// ParseRaw decodes a stored JSONB payload into typed data.
func ParseRaw(raw json.RawMessage) (Data, error) {
	if len(raw) == 0 {
		return Data{}, nil
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse questionnaire data: %w", err)
	}
	if data == nil {
		data = Data{}
	}
	return data, nil
}

// Raw encodes the data back to its JSONB form.
func (d Data) Raw() (json.RawMessage, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode questionnaire data: %w", err)
	}
	return raw, nil
}

// Copy returns a deep copy so callers can mutate without aliasing.
func (d Data) Copy() Data {
	out := make(Data, len(d))
	for keyword, groups := range d {
		copied := make([]Group, len(groups))
		for i, g := range groups {
			cg := make(Group, len(g))
			for k, v := range g {
				if v.Kind == KindList {
					v.List = append([]string(nil), v.List...)
				}
				if v.Kind == KindLang {
					m := make(map[string]string, len(v.Lang))
					for lang, s := range v.Lang {
						m[lang] = s
					}
					v.Lang = m
				}
				cg[k] = v
			}
			copied[i] = cg
		}
		out[keyword] = copied
	}
	return out
}

// First returns the value of the first group of a question group.
func (d Data) First(qgKeyword, keyword string) (Value, bool) {
	groups := d[qgKeyword]
	if len(groups) == 0 {
		return Value{}, false
	}
	v, ok := groups[0][keyword]
	return v, ok
}

