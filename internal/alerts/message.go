package alerts

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/willibrandon/hostwatch/internal/logger"
)

const (
	// DefaultMessageTemplate renders threshold alerts.
	DefaultMessageTemplate = `{{.MetricName}} on {{.Host}} {{.Phrase}} threshold: {{.ValueFmt}} (threshold: {{.ThreshFmt}})`

	// DefaultLivenessTemplate renders liveness alerts.
	DefaultLivenessTemplate = `{{.Host}} has not reported for {{.Silence}} (limit: {{.Limit}})`

	// DefaultSubjectTemplate renders notification subjects.
	DefaultSubjectTemplate = `ALERT [{{upper .Severity}}]: {{.RuleName}} - {{.Host}}`
)

// MessageData holds the fields available to message templates.
type MessageData struct {
	RuleName   string
	MetricType string
	MetricName string
	Host       string
	Severity   string
	Comparison string
	Phrase     string
	Value      float64
	Threshold  float64
	ValueFmt   string
	ThreshFmt  string
	Tier       string
	Silence    string
	Limit      string
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// Formatter renders alert messages and notification subjects.
type Formatter struct {
	message  *template.Template
	liveness *template.Template
	subject  *template.Template
}

// NewFormatter parses the message template. An empty template selects the default.
func NewFormatter(messageTemplate string) (*Formatter, error) {
	if messageTemplate == "" {
		messageTemplate = DefaultMessageTemplate
	}
	message, err := template.New("message").Funcs(templateFuncs).Parse(messageTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse message template: %w", err)
	}
	return &Formatter{
		message:  message,
		liveness: template.Must(template.New("liveness").Funcs(templateFuncs).Parse(DefaultLivenessTemplate)),
		subject:  template.Must(template.New("subject").Funcs(templateFuncs).Parse(DefaultSubjectTemplate)),
	}, nil
}

// Data builds template data for a pair evaluation.
func (f *Formatter) Data(rule *Rule, host string, threshold float64, sample *Sample, now time.Time) MessageData {
	data := MessageData{
		RuleName:   rule.Name,
		MetricType: rule.MetricType,
		MetricName: MetricName(rule.MetricType),
		Host:       host,
		Severity:   string(rule.Severity),
		Comparison: string(rule.Comparison),
		Phrase:     rule.Comparison.Phrase(),
		Threshold:  threshold,
		ThreshFmt:  fmt.Sprintf("%.2f", threshold),
		Limit:      StalenessWindow.String(),
	}
	if data.Severity == "" {
		data.Severity = string(SeverityWarning)
	}
	if sample != nil {
		data.Value = sample.Value
		data.ValueFmt = fmt.Sprintf("%.2f", sample.Value)
		data.Silence = now.Sub(sample.Time).Truncate(time.Second).String()
	}
	return data
}

// Message renders the event message for the rule's metric class.
func (f *Formatter) Message(rule *Rule, data MessageData) string {
	tmpl := f.message
	if rule.IsLiveness() {
		tmpl = f.liveness
	}
	return f.render(tmpl, data, rule.Name)
}

// Subject renders a notification subject line.
func (f *Formatter) Subject(data MessageData) string {
	return f.render(f.subject, data, data.RuleName)
}

func (f *Formatter) render(tmpl *template.Template, data MessageData, fallback string) string {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		logger.Debug("failed to execute alert message template", "template", tmpl.Name(), "error", err)
		return fallback
	}
	return buf.String()
}

// MetricName turns "cpu.usage_percent" into "Cpu Usage Percent".
func MetricName(metricType string) string {
	words := strings.FieldsFunc(metricType, func(r rune) bool {
		return r == '.' || r == '_'
	})
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
