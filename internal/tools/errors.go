package tools

import "fmt"

// ErrToolNotFound is returned when a call names a tool that is not in
// the registry. Models hallucinate tool names often enough that the
// agent reports this back to the model instead of failing the turn.
type ErrToolNotFound struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q not found", e.ToolName)
}
