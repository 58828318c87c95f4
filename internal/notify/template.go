package notify

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/threshd/threshd/internal/group"
)

// Message is one rendered notification ready for a transport.
type Message struct {
	Title string
	Body  string
	Kind  group.Kind
	Group group.Snapshot
}

// templateData is what message templates render against.
type templateData struct {
	Rule     string
	Severity string
	Kind     group.Kind
	Labels   string
	Members  []memberData
}

type memberData struct {
	Labels string
	State  string
	Value  float64
}

// defaultTemplate summarizes the group: rule, severity, kind, and one line
// per member with its labels, state, and last value.
const defaultTemplate = `{{ .Rule }} {{ .Kind }} ({{ len .Members }} instance{{ if ne (len .Members) 1 }}s{{ end }})
{{- if .Labels }}
group: {{ .Labels }}
{{- end }}
{{- range .Members }}
* {{ .Labels }} = {{ printf "%.4g" .Value }} [{{ .State }}]
{{- end }}`

// parseTemplate compiles a message template, falling back to the default
// when text is empty.
func parseTemplate(text string) (*template.Template, error) {
	if text == "" {
		text = defaultTemplate
	}
	return template.New("message").Parse(text)
}

// render builds the Message for a group snapshot using tmpl.
func render(tmpl *template.Template, snap group.Snapshot) (Message, error) {
	data := templateData{
		Rule:     snap.RuleName,
		Severity: snap.Severity,
		Kind:     snap.Kind,
		Labels:   snap.Labels.String(),
		Members:  make([]memberData, 0, len(snap.Members)),
	}
	if len(snap.Labels) == 0 {
		data.Labels = ""
	}
	for _, m := range snap.Members {
		data.Members = append(data.Members, memberData{
			Labels: m.Labels.String(),
			State:  m.State.String(),
			Value:  m.Value,
		})
	}

	var body strings.Builder
	if err := tmpl.Execute(&body, data); err != nil {
		return Message{}, fmt.Errorf("render template: %w", err)
	}

	return Message{
		Title: fmt.Sprintf("%s %s %s", severityLabel(snap.Severity), snap.RuleName, snap.Kind),
		Body:  body.String(),
		Kind:  snap.Kind,
		Group: snap,
	}, nil
}

func severityLabel(s string) string {
	switch s {
	case "critical":
		return "[CRITICAL]"
	case "warning":
		return "[WARNING]"
	default:
		return "[INFO]"
	}
}

func severityColor(s string) string {
	switch s {
	case "critical":
		return "FF4F6A"
	case "warning":
		return "FFAB40"
	default:
		return "00D4FF"
	}
}

// resolvedColor overrides the severity color once everything resolved.
const resolvedColor = "36C275"

func messageColor(m Message) string {
	if m.Kind == group.KindResolved {
		return resolvedColor
	}
	return severityColor(m.Group.Severity)
}

