// Package executor runs tool command templates against single files as
// child processes. Templates are operator-supplied configuration; the
// target file path is untrusted and is always passed as a discrete
// argument, never through a shell.
package executor

import (
	"fmt"
	"strings"

	"github.com/aimanhq/aiman/internal/domain"
)

// MaxTemplateLength bounds the accepted template size
const MaxTemplateLength = 1024

// shell metacharacter sequences that would change semantics if the
// template were ever handed to a shell; rejected outright as
// defense-in-depth even though we only ever exec argv directly
var forbiddenSequences = []string{";", "|", "&", "<", ">", "`", "$(", "\n"}

// TemplateError marks a command template that fails validation
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("invalid command template %q: %s", e.Template, e.Reason)
}

// Template is a validated command template split into an argument
// vector, with the position of the file placeholder recorded.
type Template struct {
	argv      []string
	fileIndex int
}

// ParseTemplate validates and splits a command template. The template
// must reference the file placeholder exactly once, as its own
// argument, and must not contain shell metacharacter sequences.
func ParseTemplate(raw string) (*Template, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &TemplateError{Template: raw, Reason: "template is empty"}
	}
	if len(raw) > MaxTemplateLength {
		return nil, &TemplateError{Template: raw, Reason: fmt.Sprintf("template exceeds %d characters", MaxTemplateLength)}
	}

	for _, seq := range forbiddenSequences {
		if strings.Contains(raw, seq) {
			return nil, &TemplateError{Template: raw, Reason: fmt.Sprintf("template contains shell metacharacter %q", seq)}
		}
	}

	argv := strings.Fields(raw)
	fileIndex := -1
	for i, token := range argv {
		if token == domain.Placeholder {
			if fileIndex != -1 {
				return nil, &TemplateError{Template: raw, Reason: "placeholder " + domain.Placeholder + " appears more than once"}
			}
			fileIndex = i
			continue
		}
		if strings.Contains(token, domain.Placeholder) {
			return nil, &TemplateError{Template: raw, Reason: "placeholder " + domain.Placeholder + " must be a standalone argument"}
		}
	}
	if fileIndex == -1 {
		return nil, &TemplateError{Template: raw, Reason: "placeholder " + domain.Placeholder + " is missing"}
	}
	if fileIndex == 0 {
		return nil, &TemplateError{Template: raw, Reason: "placeholder cannot be the program name"}
	}

	return &Template{argv: argv, fileIndex: fileIndex}, nil
}

// Program returns the executable name
func (t *Template) Program() string {
	return t.argv[0]
}

// Argv returns a fresh argument vector with the placeholder replaced by
// the literal file path. The path is a single element of the vector, so
// metacharacters in it are never interpreted.
func (t *Template) Argv(filePath string) []string {
	argv := make([]string, len(t.argv))
	copy(argv, t.argv)
	argv[t.fileIndex] = filePath
	return argv
}

// Policy is the operator-configured security policy for templates,
// applied on top of syntactic validation.
type Policy struct {
	// AllowedPrefixes restricts the program name; empty allows any
	AllowedPrefixes []string
	// BlockedPatterns rejects templates containing any of these substrings
	BlockedPatterns []string
}

// Check applies the policy to a parsed template
func (p Policy) Check(tmpl *Template, raw string) error {
	for _, blocked := range p.BlockedPatterns {
		if blocked != "" && strings.Contains(raw, blocked) {
			return &TemplateError{Template: raw, Reason: fmt.Sprintf("template contains blocked pattern %q", blocked)}
		}
	}

	if len(p.AllowedPrefixes) == 0 {
		return nil
	}
	for _, prefix := range p.AllowedPrefixes {
		if strings.HasPrefix(tmpl.Program(), prefix) {
			return nil
		}
	}
	return &TemplateError{
		Template: raw,
		Reason:   "program must start with one of: " + strings.Join(p.AllowedPrefixes, ", "),
	}
}
