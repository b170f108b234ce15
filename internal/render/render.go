// Package render personalizes campaign subjects and bodies per recipient.
package render

import (
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/kursadbilgin/campaign-engine/internal/domain"
)

const missingKeyOption = "missingkey=error"

// Renderer executes subject and body templates against a row's data.
// A field referenced by the template but absent from the data is an error.
type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Subject renders a plain-text template.
func (r *Renderer) Subject(tmpl string, data map[string]any) (string, error) {
	parsed, err := texttemplate.New("subject").Option(missingKeyOption).Parse(tmpl)
	if err != nil {
		return "", &domain.RenderError{Field: "subject", Cause: err}
	}

	var out strings.Builder
	if err := parsed.Execute(&out, data); err != nil {
		return "", &domain.RenderError{Field: "subject", Cause: err}
	}
	return out.String(), nil
}

// Body renders an HTML template with contextual escaping of the data.
func (r *Renderer) Body(tmpl string, data map[string]any) (string, error) {
	parsed, err := htmltemplate.New("body").Option(missingKeyOption).Parse(tmpl)
	if err != nil {
		return "", &domain.RenderError{Field: "body", Cause: err}
	}

	var out strings.Builder
	if err := parsed.Execute(&out, data); err != nil {
		return "", &domain.RenderError{Field: "body", Cause: err}
	}
	return out.String(), nil
}

// Render produces the subject and body for one recipient.
func (r *Renderer) Render(subject, body string, data map[string]any) (string, string, error) {
	renderedSubject, err := r.Subject(subject, data)
	if err != nil {
		return "", "", err
	}
	renderedBody, err := r.Body(body, data)
	if err != nil {
		return "", "", err
	}
	return renderedSubject, renderedBody, nil
}

// Check parses both templates without executing them.
func (r *Renderer) Check(subject, body string) error {
	if _, err := texttemplate.New("subject").Option(missingKeyOption).Parse(subject); err != nil {
		return &domain.RenderError{Field: "subject", Cause: err}
	}
	if _, err := htmltemplate.New("body").Option(missingKeyOption).Parse(body); err != nil {
		return &domain.RenderError{Field: "body", Cause: err}
	}
	return nil
}
