package dispatch

import (
	"strings"
	"text/template"
)

// templateData is what message templates can reference, e.g. {{.Username}}.
type templateData struct {
	Username    string
	CommentText string
	Handle      string
}

// render executes text as a template. Plain text and broken templates are returned verbatim.
func render(text string, data templateData) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	tmpl, err := template.New("message").Option("missingkey=zero").Parse(text)
	if err != nil {
		return text
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return text
	}
	return b.String()
}
