// Package configuration loads and caches the versioned questionnaire
// configurations: the schema tree (sections, categories, subcategories,
// question groups, questions), the choice lists, the filterable keys, the
// link targets, and the summary projection rules.
package configuration

import (
	"encoding/json"
	"fmt"
)

// FieldType classifies how a question value is shaped and validated.
type FieldType string

const (
	FieldChar     FieldType = "char"
	FieldText     FieldType = "text"
	FieldBool     FieldType = "bool"
	FieldInt      FieldType = "int"
	FieldFloat    FieldType = "float"
	FieldDate     FieldType = "date"
	FieldSelect   FieldType = "select"
	FieldRadio    FieldType = "radio"
	FieldMeasure  FieldType = "measure"
	FieldCheckbox FieldType = "checkbox"
	FieldImage    FieldType = "image"
	FieldFile     FieldType = "file"
	FieldUserID   FieldType = "user_id"
	FieldLinkID   FieldType = "link_id"
	FieldHidden   FieldType = "hidden"
	FieldGeom     FieldType = "geom"
)

// IsSingleChoice reports whether the value must be exactly one choice code.
func (t FieldType) IsSingleChoice() bool {
	switch t {
	case FieldSelect, FieldRadio, FieldMeasure:
		return true
	}
	return false
}

// IsMultiChoice reports whether the value is a list of choice codes.
func (t FieldType) IsMultiChoice() bool {
	return t == FieldCheckbox
}

// IsTranslated reports whether the value is a language-keyed map.
func (t FieldType) IsTranslated() bool {
	return t == FieldChar || t == FieldText
}

// ListedConfigurations returns the configuration codes a listing under the
// given code shows. The wocat umbrella also lists unccd questionnaires;
// every other listing is limited to its own configuration.
func ListedConfigurations(code string) []string {
	if code == "wocat" {
		return []string{"wocat", "unccd"}
	}
	return []string{code}
}

type Choice struct {
	Code  string            `json:"code"`
	Label map[string]string `json:"label"`
}

type Question struct {
	Keyword   string            `json:"keyword"`
	Type      FieldType         `json:"type"`
	Label     map[string]string `json:"label"`
	Choices   []Choice          `json:"choices,omitempty"`
	MaxLength int               `json:"max_length,omitempty"`
	// Filterable questions appear in the list filter configuration.
	Filterable bool `json:"filterable,omitempty"`
	// IsName marks the question holding the canonical questionnaire name.
	IsName bool `json:"is_name,omitempty"`
	// UserRole attaches users referenced by a user_id question as members
	// with the given content role.
	UserRole string `json:"user_role,omitempty"`
	// Summary maps a summary type to the slot this question projects into.
	Summary map[string]string `json:"summary,omitempty"`
	// InRange marks the question as rendered as an ordered enumeration of
	// its choices in summaries.
	InRange bool `json:"in_range,omitempty"`
}

func (q *Question) ChoiceCodes() []string {
	codes := make([]string, 0, len(q.Choices))
	for _, c := range q.Choices {
		codes = append(codes, c.Code)
	}
	return codes
}

func (q *Question) HasChoice(code string) bool {
	for _, c := range q.Choices {
		if c.Code == code {
			return true
		}
	}
	return false
}

// ChoiceLabel returns the label of a choice in the given language, falling
// back to English, then to the code itself.
func (q *Question) ChoiceLabel(code, lang string) string {
	for _, c := range q.Choices {
		if c.Code != code {
			continue
		}
		if label, ok := c.Label[lang]; ok && label != "" {
			return label
		}
		if label, ok := c.Label["en"]; ok && label != "" {
			return label
		}
		return code
	}
	return code
}

type Questiongroup struct {
	Keyword   string     `json:"keyword"`
	MaxNum    int        `json:"max_num,omitempty"`
	Questions []Question `json:"questions"`
}

func (qg *Questiongroup) Question(keyword string) *Question {
	for i := range qg.Questions {
		if qg.Questions[i].Keyword == keyword {
			return &qg.Questions[i]
		}
	}
	return nil
}

type Subcategory struct {
	Keyword        string            `json:"keyword"`
	Label          map[string]string `json:"label"`
	Questiongroups []Questiongroup   `json:"questiongroups"`
}

type Category struct {
	Keyword       string            `json:"keyword"`
	Label         map[string]string `json:"label"`
	Subcategories []Subcategory     `json:"subcategories"`
}

type Section struct {
	Keyword    string            `json:"keyword"`
	Label      map[string]string `json:"label"`
	Categories []Category        `json:"categories"`
}

// Configuration is one edition of a questionnaire type's schema.
type Configuration struct {
	Code        string   `json:"code"`
	Edition     string   `json:"edition"`
	Sections    []Section `json:"sections"`
	LinkTargets []string  `json:"link_targets,omitempty"`
	Languages   []string  `json:"languages,omitempty"`
}

// Filter describes one filterable key for the list façade.
type Filter struct {
	Questiongroup string
	Key           string
	Label         map[string]string
	Type          FieldType
	Choices       []Choice
}

// SummarySlot binds a questionnaire value to a slot of a summary type.
type SummarySlot struct {
	Questiongroup string
	Key           string
	Slot          string
	Type          FieldType
	InRange       bool
	Choices       []Choice
}

func (c *Configuration) Categories() []Category {
	var categories []Category
	for _, s := range c.Sections {
		categories = append(categories, s.Categories...)
	}
	return categories
}

func (c *Configuration) Category(keyword string) *Category {
	for si := range c.Sections {
		for ci := range c.Sections[si].Categories {
			if c.Sections[si].Categories[ci].Keyword == keyword {
				return &c.Sections[si].Categories[ci]
			}
		}
	}
	return nil
}

func (c *Configuration) Questiongroups() []*Questiongroup {
	var groups []*Questiongroup
	for si := range c.Sections {
		for ci := range c.Sections[si].Categories {
			for sci := range c.Sections[si].Categories[ci].Subcategories {
				sub := &c.Sections[si].Categories[ci].Subcategories[sci]
				for qgi := range sub.Questiongroups {
					groups = append(groups, &sub.Questiongroups[qgi])
				}
			}
		}
	}
	return groups
}

func (c *Configuration) Questiongroup(keyword string) *Questiongroup {
	for _, qg := range c.Questiongroups() {
		if qg.Keyword == keyword {
			return qg
		}
	}
	return nil
}

// Question finds a question by question group and question keyword.
func (c *Configuration) Question(qgKeyword, keyword string) *Question {
	qg := c.Questiongroup(qgKeyword)
	if qg == nil {
		return nil
	}
	return qg.Question(keyword)
}

// NameKeywords returns the question group and question holding the canonical
// name of a questionnaire. ok is false if the configuration defines none.
func (c *Configuration) NameKeywords() (qgKeyword, keyword string, ok bool) {
	for _, qg := range c.Questiongroups() {
		for i := range qg.Questions {
			if qg.Questions[i].IsName {
				return qg.Keyword, qg.Questions[i].Keyword, true
			}
		}
	}
	return "", "", false
}

// FilterConfiguration returns the ordered list of filterable keys.
func (c *Configuration) FilterConfiguration() []Filter {
	var filters []Filter
	for _, qg := range c.Questiongroups() {
		for i := range qg.Questions {
			q := &qg.Questions[i]
			if !q.Filterable {
				continue
			}
			filters = append(filters, Filter{
				Questiongroup: qg.Keyword,
				Key:           q.Keyword,
				Label:         q.Label,
				Type:          q.Type,
				Choices:       q.Choices,
			})
		}
	}
	return filters
}

// UserFields lists the user_id questions whose values attach members with a
// content role, as (questiongroup, question, role) triples.
func (c *Configuration) UserFields() [][3]string {
	var fields [][3]string
	for _, qg := range c.Questiongroups() {
		for i := range qg.Questions {
			q := &qg.Questions[i]
			if q.Type == FieldUserID && q.UserRole != "" {
				fields = append(fields, [3]string{qg.Keyword, q.Keyword, q.UserRole})
			}
		}
	}
	return fields
}

// SummaryProjection maps summary slots to their source questions for one
// summary type.
func (c *Configuration) SummaryProjection(summaryType string) []SummarySlot {
	var slots []SummarySlot
	for _, qg := range c.Questiongroups() {
		for i := range qg.Questions {
			q := &qg.Questions[i]
			slot, ok := q.Summary[summaryType]
			if !ok || slot == "" {
				continue
			}
			slots = append(slots, SummarySlot{
				Questiongroup: qg.Keyword,
				Key:           q.Keyword,
				Slot:          slot,
				Type:          q.Type,
				InRange:       q.InRange,
				Choices:       q.Choices,
			})
		}
	}
	return slots
}

// Decode parses a configuration tree from its stored JSON representation.
func Decode(code, edition string, data []byte) (*Configuration, error) {
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode configuration %s %s: %w", code, edition, err)
	}
	cfg.Code = code
	cfg.Edition = edition
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en", "es", "fr"}
	}
	return &cfg, nil
}
