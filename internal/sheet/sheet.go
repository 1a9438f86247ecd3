// Package sheet defines the persisted shape of a computation sheet: typed
// nodes, port-keyed connections, and immutable version snapshots. The
// calculation pipeline treats these values as read-only inputs.
package sheet

import (
	"strings"

	"github.com/google/uuid"
)

// Kind is a node's variant tag.
type Kind string

const (
	KindConstant Kind = "constant"
	KindInput    Kind = "input"
	KindFunction Kind = "function"
	KindSheet    Kind = "sheet"
	KindLUT      Kind = "lut"
	KindOutput   Kind = "output"
	KindComment  Kind = "comment"
)

func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindConstant:
		return KindConstant, true
	case KindInput:
		return KindInput, true
	case KindFunction:
		return KindFunction, true
	case KindSheet:
		return KindSheet, true
	case KindLUT:
		return KindLUT, true
	case KindOutput:
		return KindOutput, true
	case KindComment:
		return KindComment, true
	default:
		return "", false
	}
}

// Port is a declared input or output slot on a node.
type Port struct {
	Key string `json:"key"`
}

// LUTRow is one row of a lookup table: a match key plus the port-keyed
// values returned when the key matches.
type LUTRow struct {
	Key    any            `json:"key"`
	Values map[string]any `json:"values"`
}

// Data is a node's free-form data bag. Which fields are meaningful depends
// on the node's Kind; unrecognized fields are dropped at decode time.
type Data struct {
	// constant/input: stored value (input: default/example).
	Value any `json:"value,omitempty"`

	// constant/input/output: numeric range bounds. Nil means unbounded.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// constant/input: "option" restricts the value to Options.
	DataType string   `json:"dataType,omitempty"`
	Options  []string `json:"options,omitempty"`

	// function: body text in the worker's expression language.
	Code string `json:"code,omitempty"`

	// sheet: target sheet and optional pinned snapshot.
	SheetID   uuid.UUID `json:"sheetId,omitempty"`
	VersionID uuid.UUID `json:"versionId,omitempty"`

	// lut: lookup rows.
	Rows []LUTRow `json:"rows,omitempty"`

	Description string `json:"description,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

// Node is a vertex in a sheet. IDs are unique within the sheet; labels are
// arbitrary display strings and may collide.
type Node struct {
	ID      uuid.UUID `json:"id"`
	Kind    Kind      `json:"type"`
	Label   string    `json:"label"`
	Inputs  []Port    `json:"inputs,omitempty"`
	Outputs []Port    `json:"outputs,omitempty"`
	Data    Data      `json:"data"`
}

// HasInputPort reports whether the node declares an input port with the key.
func (n *Node) HasInputPort(key string) bool {
	for _, p := range n.Inputs {
		if p.Key == key {
			return true
		}
	}
	return false
}

// HasOutputPort reports whether the node declares an output port with the
// key. Constants, inputs and outputs expose the implicit "value" port.
func (n *Node) HasOutputPort(key string) bool {
	switch n.Kind {
	case KindConstant, KindInput, KindOutput:
		if key == "" || key == ValuePort {
			return true
		}
	}
	for _, p := range n.Outputs {
		if p.Key == key {
			return true
		}
	}
	return false
}

// ValuePort is the implicit single output port of scalar nodes.
const ValuePort = "value"

// Connection is a directed edge between two port slots.
type Connection struct {
	ID         uuid.UUID `json:"id,omitempty"`
	SourceID   uuid.UUID `json:"source_id"`
	SourcePort string    `json:"source_port"`
	TargetID   uuid.UUID `json:"target_id"`
	TargetPort string    `json:"target_port"`
}

// Sheet is a graph definition: ordered nodes plus ordered connections.
type Sheet struct {
	ID               uuid.UUID     `json:"id"`
	Name             string        `json:"name"`
	DefaultVersionID uuid.UUID     `json:"default_version_id,omitempty"`
	Nodes            []*Node       `json:"nodes"`
	Connections      []*Connection `json:"connections"`
}

// Version is an immutable snapshot of a sheet, pinned by id.
type Version struct {
	ID      uuid.UUID `json:"id"`
	SheetID uuid.UUID `json:"sheet_id"`
	Tag     string    `json:"tag"`
	Sheet   *Sheet    `json:"sheet"`
}

// Node returns the node with the given id, or nil.
func (s *Sheet) Node(id uuid.UUID) *Node {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// NodesOfKind returns the sheet's nodes of the given kind, in declaration
// order.
func (s *Sheet) NodesOfKind(k Kind) []*Node {
	var out []*Node
	for _, n := range s.Nodes {
		if n.Kind == k {
			out = append(out, n)
		}
	}
	return out
}

// Endpoint identifies one side of a connection.
type Endpoint struct {
	NodeID uuid.UUID
	Port   string
}

// IncomingByTarget maps target node id -> target port -> source endpoint.
// Connections are walked in declaration order; with the at-most-one
// connection per (target, port) invariant the map is unambiguous.
func (s *Sheet) IncomingByTarget() map[uuid.UUID]map[string]Endpoint {
	out := make(map[uuid.UUID]map[string]Endpoint, len(s.Nodes))
	for _, c := range s.Connections {
		m := out[c.TargetID]
		if m == nil {
			m = map[string]Endpoint{}
			out[c.TargetID] = m
		}
		m[c.TargetPort] = Endpoint{NodeID: c.SourceID, Port: c.SourcePort}
	}
	return out
}
