package validation

import (
	"bytes"
	"strings"
	"text/template"

	log "github.com/sirupsen/logrus"

	"github.com/go-playground/validator/v10"
)

// based on the default Error message, but includes the value in the message
var humanTemplate = func() *template.Template {
	s := "Key {{.Namespace}} failed Error:Field " +
		"validation for '{{.Field}}' failed on the {{.Tag}} tag " +
		"for value {{.Value|printf \"%#v\"}}"
	return template.Must(template.New("validation-err").Parse(s))
}()

func NewValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("v")
	return v
}

// FormatErrors renders each field failure in err as a human-readable
// message. Returns nil if err is nil or not a validator.ValidationErrors.
func FormatErrors(err error) (msgs []string) {
	if err == nil {
		return nil
	}
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}

	var buf bytes.Buffer
	for _, e := range errs {
		if te := humanTemplate.Execute(&buf, e); te != nil {
			log.Panicf("[BUG] failed to evaluate validation error template: %#v", te)
		}
		msgs = append(msgs, buf.String())
		buf.Reset()
	}

	return msgs
}

// SprintErrors joins the formatted failures into a single newline-separated
// string, or "" for a nil error.
func SprintErrors(err error) string {
	msgs := FormatErrors(err)
	if msgs == nil {
		return ""
	}
	return strings.Join(msgs, "\n") + "\n"
}
