package schema

import "fmt"

// Problem is one defect found while checking an action, task or middleware
// definition.
type Problem struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Problems collects every defect in a definition so registration can report
// them together instead of stopping at the first.
type Problems []Problem

// Add records a problem with field.
func (p *Problems) Add(field, code, message string) {
	*p = append(*p, Problem{Field: field, Code: code, Message: message})
}

// Addf is Add with a formatted message.
func (p *Problems) Addf(field, code, format string, args ...any) {
	p.Add(field, code, fmt.Sprintf(format, args...))
}

// Empty reports whether no problem was recorded.
func (p Problems) Empty() bool {
	return len(p) == 0
}

// Err returns nil when there are no problems. A single problem keeps its own
// message; several are summarized and listed under the "problems" detail.
func (p Problems) Err() error {
	if p.Empty() {
		return nil
	}

	msg := p[0].Message
	if len(p) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(p))
	}
	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count": len(p),
			"problems":    []Problem(p),
		})
}
