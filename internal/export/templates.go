package export

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	Title       string
	ClientName  string
	ClientEmail string
	Status      string
	GeneratedAt time.Time
	Complete    int
	Total       int
	Sections    []TemplateSection
}

type TemplateSection struct {
	Title    string
	Required bool
	Complete bool
	Missing  []string
	Fields   []TemplateField
}

// TemplateField is one answered (or unanswered) question. Value is empty
// when the client has not answered.
type TemplateField struct {
	Label     string
	Value     string
	Documents []string
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
</head>
<body>
  <h1>{{.Title}}</h1>
  <p>{{.ClientName}} &lt;{{.ClientEmail}}&gt; | {{.Complete}} of {{.Total}} required sections complete</p>
  {{range .Sections}}
  <h2>{{.Title}}</h2>
  <dl>{{range .Fields}}<dt>{{.Label}}</dt><dd>{{if .Value}}{{.Value}}{{else}}Not provided{{end}}</dd>{{end}}</dl>
  {{end}}
</body>
</html>`
