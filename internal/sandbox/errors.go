// Package sandbox executes a generated program document: it discovers each
// class's node table, orders the nodes, dispatches them and classifies
// failures into soft validation errors and hard execution errors.
package sandbox

import "fmt"

// GraphStructureError reports a program whose node table cannot be ordered
// or resolved. It aborts the run before any node executes.
type GraphStructureError struct {
	Message string
}

func (e *GraphStructureError) Error() string { return e.Message }

// ValueValidationError is a soft failure: the value is out of spec but still
// flows downstream, and the node stays computable.
type ValueValidationError struct {
	Message string
}

func (e *ValueValidationError) Error() string { return e.Message }

// DependencyError marks a node skipped because something upstream failed
// hard. Origin carries the upstream failure's message for display on output
// nodes.
type DependencyError struct {
	Origin string
}

func (e *DependencyError) Error() string { return "Dependency failed" }

// NodeExecutionError is a hard failure inside one node. Line is the 1-based
// position within the node's body, or 0 when no line applies.
type NodeExecutionError struct {
	NodeLabel string
	Line      int
	Message   string
}

func (e *NodeExecutionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("Node '%s', line %d: %s", e.NodeLabel, e.Line, e.Message)
	}
	return fmt.Sprintf("Node '%s': %s", e.NodeLabel, e.Message)
}
