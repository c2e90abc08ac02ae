package mailer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/theodi/learning-orchestrator-sub000/internal/models"
	"github.com/theodi/learning-orchestrator-sub000/internal/service"
)

// Session is an upcoming scheduled session pulled from the calendar gateway.
type Session struct {
	Summary string
	Start   time.Time
}

// SessionSource supplies the next upcoming session for email enrichment.
// Optional; a nil source just omits the session line.
type SessionSource interface {
	NextSession(ctx context.Context) (*Session, error)
}

// Mailer sends templated course-access emails over SMTP.
type Mailer struct {
	dialer   *gomail.Dialer
	from     string
	sessions SessionSource
}

func New(host string, port int, username, password, from string) *Mailer {
	return &Mailer{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// SetSessionSource enables next-session enrichment of outgoing emails.
func (m *Mailer) SetSessionSource(s SessionSource) {
	m.sessions = s
}

type templateData struct {
	Name        string
	Courses     []service.CourseStatus
	NextSession *Session
}

// Send renders the named template for the learner's course statuses and
// delivers it. Template is models.TemplateWelcome or models.TemplateReminder.
func (m *Mailer) Send(ctx context.Context, to, name, templateName string, courses []service.CourseStatus) error {
	tmpl, subject, err := lookupTemplate(templateName)
	if err != nil {
		return err
	}

	data := templateData{Name: name, Courses: courses}
	if m.sessions != nil {
		session, err := m.sessions.NextSession(ctx)
		if err != nil {
			log.Printf("Warning: failed to fetch next session: %v", err)
		} else {
			data.NextSession = session
		}
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("failed to render %s template: %w", templateName, err)
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body.String())

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}
	log.Printf("Sent %s email to %s", templateName, to)
	return nil
}

func lookupTemplate(name string) (*template.Template, string, error) {
	switch name {
	case models.TemplateWelcome:
		return welcomeTemplate, "Welcome to your course", nil
	case models.TemplateReminder:
		return reminderTemplate, "Reminder: your course is waiting", nil
	default:
		return nil, "", fmt.Errorf("unknown email template %q", name)
	}
}

var templateFuncs = template.FuncMap{
	"formatTime": func(t time.Time) string {
		return t.Format("Monday 2 January 2006, 15:04 MST")
	},
}

var welcomeTemplate = template.Must(template.New(models.TemplateWelcome).Funcs(templateFuncs).Parse(`
<p>Hi {{.Name}},</p>
<p>Welcome! Here is where you are with your courses:</p>
<ul>
{{- range .Courses}}
  <li><strong>{{.CourseName}}</strong>:
  {{- if not .Status.Enrolled}} your enrolment is being set up.
    {{- if .Status.VerificationToken}} Use your verification link to finish creating your account.{{end}}
  {{- else if not .Status.Accessed}} you are enrolled &mdash; log in to get started.
  {{- else}} you are all set.
  {{- end}}</li>
{{- end}}
</ul>
{{- if .NextSession}}
<p>Your next session, <em>{{.NextSession.Summary}}</em>, starts {{formatTime .NextSession.Start}}.</p>
{{- end}}
<p>The Learning Team</p>
`))

var reminderTemplate = template.Must(template.New(models.TemplateReminder).Funcs(templateFuncs).Parse(`
<p>Hi {{.Name}},</p>
<p>Just a reminder that some of your courses still need attention:</p>
<ul>
{{- range .Courses}}
  <li><strong>{{.CourseName}}</strong>:
  {{- if not .Status.Enrolled}} enrolment still pending.
  {{- else if not .Status.Accessed}} enrolled, but you have not logged in yet.
  {{- else}} complete.
  {{- end}}</li>
{{- end}}
</ul>
{{- if .NextSession}}
<p>Your next session, <em>{{.NextSession.Summary}}</em>, starts {{formatTime .NextSession.Start}}.</p>
{{- end}}
<p>The Learning Team</p>
`))
