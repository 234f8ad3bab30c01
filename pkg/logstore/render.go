package logstore

import (
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
)

// Format selects how a log is rendered for operators
type Format string

const (
	FormatHTML Format = "html"
	FormatText Format = "text"
)

// View is the data handed to the HTML template
type View struct {
	JobID   string
	Running bool
	Text    string
}

var page = template.Must(template.New("log").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
{{- if .Running}}
<meta http-equiv="refresh" content="5">
{{- end}}
<title>log {{.JobID}}</title>
<style>body{font-family:monospace;margin:1em}pre{white-space:pre-wrap}</style>
</head>
<body>
<h1>{{.JobID}}{{if .Running}} (running){{end}}</h1>
<pre>{{.Text}}</pre>
</body>
</html>
`))

// NegotiateFormat picks text when asked for by query (?format=text) or
// Accept header, HTML otherwise.
func NegotiateFormat(r *http.Request) Format {
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "text", "txt", "plain":
		return FormatText
	case "html":
		return FormatHTML
	}
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/plain") && !strings.Contains(accept, "text/html") {
		return FormatText
	}
	return FormatHTML
}

// Render writes the log in the requested format with a matching content type
func Render(w http.ResponseWriter, view View, format Format) error {
	if format == FormatText {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, err := io.WriteString(w, view.Text)
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(w, view); err != nil {
		return fmt.Errorf("failed to render log for %s: %w", view.JobID, err)
	}
	return nil
}
