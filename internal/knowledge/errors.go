package knowledge

import "fmt"

// ValidationError reports a knowledge write missing a required field.
// It is never worth retrying.
type ValidationError struct {
	Kind  Kind
	Field string
}

func (e *ValidationError) Error() string {
	if e.Field == "kind" {
		return fmt.Sprintf("knowledge: unknown kind %q", e.Kind)
	}
	return fmt.Sprintf("knowledge %s: missing required field %q", e.Kind, e.Field)
}

// NotFoundError reports an operation against an unknown record id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("knowledge record %q not found", e.ID)
}
