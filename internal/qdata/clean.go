package qdata

import (
	"fmt"
	"strings"

	"qcat/internal/configuration"
)

// Clean validates raw submitted data against a configuration and returns a
// normalized copy plus a list of human-readable problems. Cleaning never
// fails hard: offending groups and values are dropped and reported, so the
// result is always storable. Cleaning a cleaned payload is a no-op.
func Clean(raw Data, cfg *configuration.Configuration) (Data, []string) {
	cleaned := make(Data, len(raw))
	var problems []string

	for qgKeyword, groups := range raw {
		qg := cfg.Questiongroup(qgKeyword)
		if qg == nil {
			problems = append(problems, fmt.Sprintf(
				"question group %q is not part of configuration %s %s", qgKeyword, cfg.Code, cfg.Edition))
			continue
		}
		if qg.MaxNum > 0 && len(groups) > qg.MaxNum {
			problems = append(problems, fmt.Sprintf(
				"question group %q allows at most %d repetitions, got %d", qgKeyword, qg.MaxNum, len(groups)))
			groups = groups[:qg.MaxNum]
		}

		var keptGroups []Group
		for _, group := range groups {
			kept := make(Group, len(group))
			for keyword, value := range group {
				q := qg.Question(keyword)
				if q == nil {
					problems = append(problems, fmt.Sprintf(
						"question %q is not part of question group %q", keyword, qgKeyword))
					continue
				}
				cleanedValue, problem := cleanValue(value, q)
				if problem != "" {
					problems = append(problems, fmt.Sprintf(
						"%s.%s: %s", qgKeyword, keyword, problem))
					continue
				}
				if cleanedValue.IsEmpty() {
					continue
				}
				kept[keyword] = cleanedValue
			}
			if len(kept) > 0 {
				keptGroups = append(keptGroups, kept)
			}
		}
		if len(keptGroups) > 0 {
			cleaned[qgKeyword] = keptGroups
		}
	}

	return cleaned, problems
}

// cleanValue normalizes one value against its question definition. It
// returns a problem message instead of an error so the caller can collect
// everything in one pass.
func cleanValue(v Value, q *configuration.Question) (Value, string) {
	switch {
	case q.Type == configuration.FieldBool:
		return cleanBool(v, q)
	case q.Type.IsSingleChoice():
		return cleanSingleChoice(v, q)
	case q.Type == configuration.FieldCheckbox:
		return cleanMultiChoice(v, q)
	case q.Type == configuration.FieldChar, q.Type == configuration.FieldText:
		return cleanText(v, q)
	case q.Type == configuration.FieldInt:
		switch v.Kind {
		case KindInt:
			return v, ""
		case KindFloat:
			if v.Float == float64(int64(v.Float)) {
				return Integer(int64(v.Float)), ""
			}
		}
		return Value{}, "expected an integer"
	case q.Type == configuration.FieldFloat:
		switch v.Kind {
		case KindFloat:
			return v, ""
		case KindInt:
			return Float(float64(v.Int)), ""
		}
		return Value{}, fmt.Sprintf("expected a number, got kind %d", v.Kind)
	case q.Type == configuration.FieldDate:
		if v.Kind != KindString {
			return Value{}, "expected a date string"
		}
		return String(stripControl(v.Str)), ""
	case q.Type == configuration.FieldUserID, q.Type == configuration.FieldLinkID:
		switch v.Kind {
		case KindString:
			return String(strings.TrimSpace(stripControl(v.Str))), ""
		case KindInt:
			return v, ""
		}
		return Value{}, "expected an identifier"
	case q.Type == configuration.FieldImage, q.Type == configuration.FieldFile:
		if v.Kind != KindString {
			return Value{}, "expected a file reference"
		}
		return String(strings.TrimSpace(stripControl(v.Str))), ""
	case q.Type == configuration.FieldGeom:
		if v.Kind != KindString {
			return Value{}, "expected a geometry string"
		}
		return String(stripControl(v.Str)), ""
	case q.Type == configuration.FieldHidden:
		return v, ""
	}
	return v, ""
}

func cleanBool(v Value, q *configuration.Question) (Value, string) {
	if v.Kind != KindBool {
		return Value{}, "expected a boolean"
	}
	return v, ""
}

func cleanSingleChoice(v Value, q *configuration.Question) (Value, string) {
	if v.Kind != KindString {
		return Value{}, "expected a single choice code"
	}
	code := strings.TrimSpace(v.Str)
	if code == "" {
		return String(""), ""
	}
	if !q.HasChoice(code) {
		return Value{}, fmt.Sprintf("%q is not a valid choice", code)
	}
	return String(code), ""
}

func cleanMultiChoice(v Value, q *configuration.Question) (Value, string) {
	var codes []string
	switch v.Kind {
	case KindList:
		codes = v.List
	case KindString:
		// single selection submitted without the list wrapper
		codes = []string{v.Str}
	default:
		return Value{}, "expected a list of choice codes"
	}
	seen := make(map[string]bool, len(codes))
	kept := make([]string, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			continue
		}
		if !q.HasChoice(code) {
			return Value{}, fmt.Sprintf("%q is not a valid choice", code)
		}
		seen[code] = true
		kept = append(kept, code)
	}
	return List(kept), ""
}

func cleanText(v Value, q *configuration.Question) (Value, string) {
	clip := func(s string) (string, bool) {
		s = stripControl(s)
		if q.MaxLength > 0 && len([]rune(s)) > q.MaxLength {
			return s, false
		}
		return s, true
	}
	switch v.Kind {
	case KindLang:
		m := make(map[string]string, len(v.Lang))
		for lang, s := range v.Lang {
			cleaned, ok := clip(s)
			if !ok {
				return Value{}, fmt.Sprintf("translation %q exceeds %d characters", lang, q.MaxLength)
			}
			if cleaned != "" {
				m[lang] = cleaned
			}
		}
		return Lang(m), ""
	case KindString:
		// accept plain strings and wrap them as English
		cleaned, ok := clip(v.Str)
		if !ok {
			return Value{}, fmt.Sprintf("value exceeds %d characters", q.MaxLength)
		}
		if cleaned == "" {
			return Lang(nil), ""
		}
		return Lang(map[string]string{"en": cleaned}), ""
	}
	return Value{}, "expected translated text"
}

// stripControl removes control characters except newline, carriage return
// and tab. Interior whitespace is left alone, leading and trailing
// whitespace is trimmed.
func stripControl(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(cleaned)
}
