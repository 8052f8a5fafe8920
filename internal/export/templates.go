package export

import (
	"bytes"
	"embed"
	"html"
	"html/template"
	"strings"
	"time"

	"cardstudio/api/internal/cardhistory"
)

//go:embed templates/journal.html
var templateFS embed.FS

var journalTemplate = template.Must(template.New("journal.html").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"join":  strings.Join,
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
}).ParseFS(templateFS, "templates/journal.html"))

type TemplateData struct {
	Title       string
	AuthorName  string
	GeneratedAt time.Time
	Card        *cardhistory.Snapshot
	Entries     []TemplateEntry
}

type TemplateEntry struct {
	CreatedAt time.Time
	Body      template.HTML
	Notes     []TemplateNote
}

type TemplateNote struct {
	Category string
	Summary  string
	Body     string
}

func RenderJournalHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := journalTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// TextToHTML turns plain entry text into paragraphs. Blank lines separate
// paragraphs and single newlines become line breaks.
func TextToHTML(text string) template.HTML {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			lines[i] = html.EscapeString(strings.TrimSpace(line))
		}
		out.WriteString("<p>")
		out.WriteString(strings.Join(lines, "<br>"))
		out.WriteString("</p>\n")
	}
	return template.HTML(out.String())
}
