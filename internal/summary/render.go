package summary

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

// TemplateData holds everything the summary page template needs.
type TemplateData struct {
	Title       string
	Code        string
	ConfigCode  string
	Edition     string
	SummaryType string
	Language    string
	UpdatedAt   time.Time
	Slots       []Slot
}

var summaryTemplate = template.Must(template.New("summary").Funcs(template.FuncMap{
	"lower":     strings.ToLower,
	"slotTitle": slotTitle,
}).Parse(summaryPage))

// slotTitle turns a slot name like "land_use" into "Land Use".
func slotTitle(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// RenderHTML renders the summary page for PDF conversion.
func RenderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := summaryTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const summaryPage = `<!DOCTYPE html>
<html lang="{{.Language}}">
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #5d9d76; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.85em; margin-bottom: 2rem; }
    .slot { margin: 1.2rem 0; page-break-inside: avoid; }
    .slot h2 { font-size: 1em; margin: 0 0 0.3rem 0; color: #5d9d76; text-transform: uppercase; letter-spacing: 0.04em; }
    ul { margin: 0.2rem 0; padding-left: 1.3rem; }
    .range { display: flex; flex-wrap: wrap; gap: 0.4rem; }
    .range span { border: 1px solid #ccc; border-radius: 3px; padding: 0.15rem 0.5rem; font-size: 0.9em; }
    .range span.on { background: #5d9d76; border-color: #5d9d76; color: #fff; }
    .geo img { max-width: 100%; border: 1px solid #ccc; }
    .geo .coords { color: #666; font-size: 0.8em; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.Code}} | {{.Edition}} | {{.UpdatedAt.Format "Jan 2, 2006"}}</div>
  {{range .Slots}}
  <div class="slot">
    <h2>{{slotTitle .Name}}</h2>
    {{if eq .Kind "text"}}<p>{{.Text}}</p>
    {{else if eq .Kind "list"}}<ul>{{range .List}}<li>{{.}}</li>{{end}}</ul>
    {{else if eq .Kind "range"}}<div class="range">{{range .Range}}<span{{if .Highlighted}} class="on"{{end}}>{{.Text}}</span>{{end}}</div>
    {{else if eq .Kind "geo"}}<div class="geo">{{if .Geo.ImgURL}}<img src="{{.Geo.ImgURL}}" alt="map">{{end}}{{if .Geo.Coordinates}}<div class="coords">{{.Geo.Coordinates}}</div>{{end}}</div>
    {{end}}
  </div>
  {{end}}
</body>
</html>`
