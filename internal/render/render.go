// Package render fills template variables into subject and body. The
// engine treats rendering as an injected pure function; Default is the
// built-in {{variable}} substitution.
package render

import (
	"regexp"
	"strings"

	"github.com/lettermill/lettermill/internal/models"
)

// Renderer produces the snapshotted subject and body for one contact
type Renderer func(tmpl models.Template, contact *models.Contact) (subject, body string)

// variable pattern for template substitution: {{variable_name}}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Default renders {{variable}} placeholders from contact variables plus
// the built-in email and name variables. Unknown variables are kept
// verbatim.
func Default(tmpl models.Template, contact *models.Contact) (string, string) {
	vars := make(map[string]string, len(contact.Variables)+2)
	for k, v := range contact.Variables {
		vars[k] = v
	}
	vars["email"] = contact.Email
	if contact.Name != "" {
		vars["name"] = contact.Name
	}

	return substitute(tmpl.Subject, vars), substitute(tmpl.Body, vars)
}

func substitute(template string, vars map[string]string) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
