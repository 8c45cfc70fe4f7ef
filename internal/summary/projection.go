package summary

import (
	"context"
	"encoding/base64"
	"html/template"
	"strconv"
	"strings"

	"qcat/internal/configuration"
	"qcat/internal/geo"
	"qcat/internal/qdata"
)

// Slot kinds as rendered in the summary output.
const (
	SlotText  = "text"
	SlotList  = "list"
	SlotRange = "range"
	SlotGeo   = "geo"
)

// RangeEntry is one choice of an ordered enumeration slot.
type RangeEntry struct {
	Text        string
	Highlighted bool
}

// GeoValue holds the rendered map image and raw coordinates of a
// geometry slot. ImgURL is a data URL so the page renders offline;
// template.URL keeps html/template from rewriting the data scheme.
type GeoValue struct {
	ImgURL      template.URL
	Coordinates string
}

// Slot is one resolved summary slot.
type Slot struct {
	Name  string
	Kind  string
	Text  string
	List  []string
	Range []RangeEntry
	Geo   *GeoValue
}

// OverrideFunc computes a slot value directly from the raw question value.
type OverrideFunc func(v qdata.Value, q configuration.SummarySlot, lang string) *Slot

// Override renames a slot, replaces its computation, or both.
type Override struct {
	Slot string
	Func OverrideFunc
}

// Overrides is keyed by "questiongroup.key".
type Overrides map[string]Override

// Builder resolves summary slots for one configuration edition.
type Builder struct {
	cfg       *configuration.Configuration
	maps      *geo.Client
	overrides Overrides
}

func NewBuilder(cfg *configuration.Configuration, maps *geo.Client, overrides Overrides) *Builder {
	return &Builder{cfg: cfg, maps: maps, overrides: overrides}
}

// Build walks the summary projection of summaryType over data and returns
// the resolved slots in projection order. Duplicate writes to a slot are
// dropped, except list slots which concatenate.
func (b *Builder) Build(ctx context.Context, data qdata.Data, summaryType, lang string) []Slot {
	seen := map[string]int{}
	out := []Slot{}

	for _, proj := range b.cfg.SummaryProjection(summaryType) {
		name := proj.Slot
		var fn OverrideFunc
		if ov, ok := b.overrides[proj.Questiongroup+"."+proj.Key]; ok {
			if ov.Slot != "" {
				name = ov.Slot
			}
			fn = ov.Func
		}

		// Repeating questiongroups contribute one value per group.
		var values []qdata.Value
		for _, group := range data[proj.Questiongroup] {
			if v, ok := group[proj.Key]; ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			if proj.Type != configuration.FieldGeom && !proj.InRange {
				continue
			}
			// Geometry and range slots render even without data.
			values = []qdata.Value{{}}
		}

		for _, v := range values {
			var slot *Slot
			if fn != nil {
				slot = fn(v, proj, lang)
			} else {
				slot = b.resolve(ctx, v, proj, lang)
			}
			if slot == nil {
				continue
			}
			slot.Name = name

			if idx, dup := seen[name]; dup {
				if out[idx].Kind == SlotList && slot.Kind == SlotList {
					out[idx].List = append(out[idx].List, slot.List...)
				}
				continue
			}
			seen[name] = len(out)
			out = append(out, *slot)
		}
	}
	return out
}

func (b *Builder) resolve(ctx context.Context, v qdata.Value, proj configuration.SummarySlot, lang string) *Slot {
	if proj.InRange {
		return rangeSlot(v, proj, lang)
	}
	switch proj.Type {
	case configuration.FieldGeom:
		return b.geoSlot(ctx, v)
	case configuration.FieldCheckbox:
		var labels []string
		for _, code := range v.List {
			labels = append(labels, choiceLabel(proj.Choices, code, lang))
		}
		return &Slot{Kind: SlotList, List: labels}
	case configuration.FieldSelect, configuration.FieldRadio, configuration.FieldMeasure:
		if v.Kind != qdata.KindString {
			return nil
		}
		return &Slot{Kind: SlotText, Text: choiceLabel(proj.Choices, v.Str, lang)}
	case configuration.FieldBool:
		return &Slot{Kind: SlotText, Text: yesNo(v.Bool, lang)}
	case configuration.FieldInt:
		return &Slot{Kind: SlotText, Text: strconv.FormatInt(v.Int, 10)}
	case configuration.FieldFloat:
		return &Slot{Kind: SlotText, Text: strconv.FormatFloat(v.Float, 'f', -1, 64)}
	default:
		text := v.Translation(lang)
		if text == "" && v.Kind == qdata.KindString {
			text = v.Str
		}
		if text == "" {
			return nil
		}
		return &Slot{Kind: SlotText, Text: text}
	}
}

// rangeSlot enumerates every configured choice and highlights the selected
// ones, so summaries always render the full scale.
func rangeSlot(v qdata.Value, proj configuration.SummarySlot, lang string) *Slot {
	selected := map[string]bool{}
	switch v.Kind {
	case qdata.KindString:
		selected[v.Str] = true
	case qdata.KindList:
		for _, code := range v.List {
			selected[code] = true
		}
	}
	entries := make([]RangeEntry, 0, len(proj.Choices))
	for _, c := range proj.Choices {
		entries = append(entries, RangeEntry{
			Text:        choiceLabel(proj.Choices, c.Code, lang),
			Highlighted: selected[c.Code],
		})
	}
	return &Slot{Kind: SlotRange, Range: entries}
}

func (b *Builder) geoSlot(ctx context.Context, v qdata.Value) *Slot {
	slot := &Slot{Kind: SlotGeo, Geo: &GeoValue{}}
	if v.Kind != qdata.KindString || v.Str == "" {
		return slot
	}
	slot.Geo.Coordinates = v.Str
	points := parsePoints(v.Str)
	if len(points) == 0 || b.maps == nil {
		return slot
	}
	img, err := b.maps.StaticMap(ctx, points, 640, 480)
	if err != nil {
		// Map service outage degrades to coordinates only.
		return slot
	}
	slot.Geo.ImgURL = template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(img))
	return slot
}

// parsePoints reads "lon,lat" pairs separated by ";".
func parsePoints(s string) []geo.Point {
	var points []geo.Point
	for _, pair := range strings.Split(s, ";") {
		lon, lat, ok := strings.Cut(strings.TrimSpace(pair), ",")
		if !ok {
			continue
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(lon), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(lat), 64)
		if errX != nil || errY != nil {
			continue
		}
		points = append(points, geo.Point{Lon: x, Lat: y})
	}
	return points
}

func choiceLabel(choices []configuration.Choice, code, lang string) string {
	for _, c := range choices {
		if c.Code != code {
			continue
		}
		if label, ok := c.Label[lang]; ok && label != "" {
			return label
		}
		if label, ok := c.Label["en"]; ok && label != "" {
			return label
		}
		return c.Code
	}
	return code
}

func yesNo(b bool, lang string) string {
	words := map[string][2]string{
		"en": {"Yes", "No"},
		"es": {"Sí", "No"},
		"fr": {"Oui", "Non"},
	}
	w, ok := words[lang]
	if !ok {
		w = words["en"]
	}
	if b {
		return w[0]
	}
	return w[1]
}
