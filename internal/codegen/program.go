// Package codegen turns a sheet closure into a program document: a
// self-contained JSON description of every compilation unit, its node table
// and its function bodies, plus an entry point. The sandbox runtime executes
// this document; EmitScript renders it for inspection.
package codegen

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// FormatV1 tags the only document format the runtime understands.
const FormatV1 = "parascope-program/1"

// Program is the generated artifact. Classes are ordered dependencies-first;
// the entry names the root class.
type Program struct {
	Format  string     `json:"format"`
	Classes []*Class   `json:"classes"`
	Entry   *Entry     `json:"entry,omitempty"`
	Sweep   *SweepPlan `json:"sweep,omitempty"`
}

// Class is one compiled sheet. A (sheet, version) pair compiles to exactly
// one class no matter how many sheet nodes reference it.
type Class struct {
	Name      string       `json:"name"`
	SheetID   string       `json:"sheet_id"`
	VersionID string       `json:"version_id,omitempty"`
	SheetName string       `json:"sheet_name"`
	Nodes     []*NodeEntry `json:"nodes"`
}

// NodeEntry is one row of a class's node table.
type NodeEntry struct {
	NodeID string `json:"node_id"`
	Kind   string `json:"kind"`
	Label  string `json:"label"`
	Method string `json:"method"`

	// Inputs maps the node's argument names to "method:port" references
	// into the same class.
	Inputs map[string]string `json:"inputs,omitempty"`

	Config *NodeConfig `json:"config,omitempty"`

	// function nodes: statement body and any compile failures found at
	// generation time. Failures are raised when the node is dispatched.
	Body          string         `json:"body,omitempty"`
	CompileErrors []CompileIssue `json:"compile_errors,omitempty"`

	// sheet nodes: the referenced class and the port-key to child input
	// label mapping.
	ClassRef    string            `json:"class_ref,omitempty"`
	InputLabels map[string]string `json:"input_labels,omitempty"`
}

// NodeConfig carries the variant-specific data the runtime needs.
type NodeConfig struct {
	Value    any        `json:"value,omitempty"`
	Min      *float64   `json:"min,omitempty"`
	Max      *float64   `json:"max,omitempty"`
	DataType string     `json:"data_type,omitempty"`
	Options  []string   `json:"options,omitempty"`
	Outputs  []string   `json:"outputs,omitempty"`
	Rows     []LUTEntry `json:"rows,omitempty"`
}

type LUTEntry struct {
	Key    any            `json:"key"`
	Values map[string]any `json:"values"`
}

type CompileIssue struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Entry is the root invocation: which class to instantiate and the override
// values keyed by input node id.
type Entry struct {
	Class     string         `json:"class"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

// SweepPlan is the expanded scenario list for a sweep run. Scenarios carry
// fully resolved override maps so the worker only iterates.
type SweepPlan struct {
	Class     string           `json:"class"`
	Scenarios []map[string]any `json:"scenarios"`
}

// Marshal renders the program as deterministic, pretty-printed JSON. Map
// keys serialize sorted, so regenerating an unchanged sheet closure yields
// byte-identical output.
func (p *Program) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("marshal program: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseProgram decodes and format-checks a program document.
func ParseProgram(raw []byte) (*Program, error) {
	var p Program
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse program: %w", err)
	}
	if p.Format != FormatV1 {
		return nil, fmt.Errorf("unsupported program format %q", p.Format)
	}
	if len(p.Classes) == 0 {
		return nil, fmt.Errorf("program has no classes")
	}
	return &p, nil
}

// Class returns the named class, or nil.
func (p *Program) Class(name string) *Class {
	for _, c := range p.Classes {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Fingerprint is a short content hash naming the generated script in logs
// and error frames, e.g. "<parascope-1a2b3c4d>".
func Fingerprint(raw []byte) string {
	sum := blake3.Sum256(raw)
	return fmt.Sprintf("<parascope-%x>", sum[:4])
}
