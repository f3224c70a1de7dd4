package notification

import (
	"bytes"
	"fmt"
	"net/smtp"
	"text/template"
	"time"

	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/protocol"
	"github.com/smukkama/bite-anomaly/pkg/config"
)

var templateFuncs = template.FuncMap{
	"deref": func(v *float64) float64 {
		if v == nil {
			return 0
		}
		return *v
	},
}

var detectedTemplate = template.Must(template.New("detected").Funcs(templateFuncs).Parse(`
Bite Index Anomaly Detected
===========================

Region: {{.RegionCode}}
Date: {{.Date}}
Observed value: {{printf "%.4f" .Value}}
{{- if .LowerValue}}
Forecast band: {{printf "%.4f" (deref .LowerValue)}} - {{printf "%.4f" (deref .UpperValue)}}
{{- end}}
Anomaly degree: {{printf "%+.3f" .AnomalyDegree}} (threshold {{.Threshold}})

The bite index of {{.RegionCode}} left its forecast band on {{.Since}}.

---
Bite Anomaly Notification System
`))

var clearedTemplate = template.Must(template.New("cleared").Parse(`
Bite Index Anomaly Cleared
==========================

Region: {{.RegionCode}}
Date: {{.Date}}
Observed value: {{printf "%.4f" .Value}}
Anomalous since: {{.Since}}

The bite index of {{.RegionCode}} is back within its forecast band.

---
Bite Anomaly Notification System
`))

// EmailNotifier sends anomaly notifications by email, or only logs them when
// SMTP credentials are not configured
type EmailNotifier struct {
	config *config.SMTPConfig
	log    *logger.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(cfg *config.SMTPConfig, log *logger.Logger) *EmailNotifier {
	return &EmailNotifier{
		config: cfg,
		log:    log.With("component", "notifier"),
		send:   smtp.SendMail,
	}
}

// Configured reports whether emails are actually sent
func (e *EmailNotifier) Configured() bool {
	return e.config.Username != "" && e.config.Password != ""
}

// SendAnomalyNotification emails a notification
func (e *EmailNotifier) SendAnomalyNotification(n *protocol.AnomalyNotification) error {
	subject, body, err := Render(n)
	if err != nil {
		return err
	}
	return e.sendEmail(subject, body)
}

// Render returns the subject and body of the email for a notification
func Render(n *protocol.AnomalyNotification) (string, string, error) {
	var subject string
	var tmpl *template.Template

	switch n.Type {
	case protocol.AnomalyTypeDetected:
		subject = fmt.Sprintf("Bite index anomaly DETECTED - %s, %s", n.RegionCode, n.Date)
		tmpl = detectedTemplate
	case protocol.AnomalyTypeCleared:
		subject = fmt.Sprintf("Bite index anomaly CLEARED - %s, %s", n.RegionCode, n.Date)
		tmpl = clearedTemplate
	default:
		return "", "", fmt.Errorf("unknown notification type: %s", n.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, n); err != nil {
		return "", "", fmt.Errorf("failed to render email template: %w", err)
	}
	return subject, buf.String(), nil
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	if !e.Configured() {
		e.log.Info("SMTP not configured, skipping email", "subject", subject, "body", body)
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.log.Info("email sent", "subject", subject)
	return nil
}

// TestConnection dials the SMTP server
func (e *EmailNotifier) TestConnection() error {
	if !e.Configured() {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	return client.Close()
}
