package painter

import "fmt"

// InvalidInputError reports an image, prompt, or size that fails the
// pipeline's shape checks.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("painter: invalid %s: %s", e.Field, e.Reason)
}
