package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parascope/parascope/internal/codegen"
	"github.com/parascope/parascope/internal/lang"
)

// NodeResult is the per-node outcome of a run.
//
// A soft validation failure keeps IsComputable true and lets the value flow.
// A hard failure clears IsComputable; downstream nodes record the internal
// "Dependency failed" marker and only output nodes surface the originating
// message to the user.
type NodeResult struct {
	Value         any            `json:"value,omitempty"`
	Values        map[string]any `json:"values,omitempty"`
	Error         string         `json:"error,omitempty"`
	InternalError string         `json:"internal_error,omitempty"`
	IsComputable  bool           `json:"is_computable"`
}

// ResultTree is the outcome of one class instance. Children holds the trees
// of nested sheet nodes keyed by the sheet node's id.
type ResultTree struct {
	Nodes    map[string]*NodeResult `json:"nodes"`
	Children map[string]*ResultTree `json:"children,omitempty"`

	// PublicOutputs collects output and constant node values by label.
	// On label collision the later node in table order wins.
	PublicOutputs map[string]any `json:"public_outputs"`

	// order lists node ids in execution order so failure scans inside the
	// running process are deterministic. It does not survive transport.
	order []string
}

// Instance binds one class of a program for execution.
type Instance struct {
	prog  *codegen.Program
	cls   *codegen.Class
	allow *lang.Allowlist
}

// NewInstance resolves the named class inside the program.
func NewInstance(prog *codegen.Program, class string, allow *lang.Allowlist) (*Instance, error) {
	cls := prog.Class(class)
	if cls == nil {
		return nil, &GraphStructureError{Message: fmt.Sprintf("program has no class %q", class)}
	}
	if allow == nil {
		allow = lang.NewAllowlist()
	}
	return &Instance{prog: prog, cls: cls, allow: allow}, nil
}

// outcome is the internal per-node execution record.
type outcome struct {
	entry  *codegen.NodeEntry
	scalar any
	values map[string]any
	soft   *ValueValidationError // value still usable
	hard   error                 // *NodeExecutionError or *DependencyError
}

func (o *outcome) failedHard() bool { return o.hard != nil }

// port reads one named output of the node, defaulting multi-output nodes
// by explicit port and scalar nodes by the value port.
func (o *outcome) port(name string) (any, bool) {
	if o.values != nil {
		v, ok := o.values[name]
		return v, ok
	}
	if name == "" || name == "value" {
		return o.scalar, true
	}
	return nil, false
}

// Run executes the instance with the given overrides (keyed by input node
// id or label). Structural problems return an error; node failures land in
// the tree.
func (inst *Instance) Run(overrides map[string]any) (*ResultTree, error) {
	ordered, err := orderNodes(inst.cls)
	if err != nil {
		return nil, err
	}

	tree := &ResultTree{
		Nodes:         map[string]*NodeResult{},
		PublicOutputs: map[string]any{},
	}
	outcomes := make(map[string]*outcome, len(ordered))
	pos := make(map[string]int, len(ordered))
	for i, entry := range ordered {
		pos[entry.Method] = i
	}

	for _, entry := range ordered {
		o := &outcome{entry: entry}
		inputs, depErr := inst.gatherInputs(entry, outcomes, pos)
		if depErr != nil {
			o.hard = depErr
		} else {
			inst.dispatch(entry, inputs, overrides, o, tree)
		}
		outcomes[entry.Method] = o
		tree.Nodes[entry.NodeID] = renderResult(o)
		tree.order = append(tree.order, entry.NodeID)
	}

	for _, entry := range ordered {
		if entry.Kind != "output" && entry.Kind != "constant" {
			continue
		}
		o := outcomes[entry.Method]
		if o.failedHard() {
			continue
		}
		tree.PublicOutputs[entry.Label] = o.scalar
	}
	return tree, nil
}

// gatherInputs resolves the entry's argument references. Any hard-failed
// upstream turns into a DependencyError carrying the originating message;
// when several upstreams failed, the one that executed first wins, so the
// reported origin is stable across runs.
func (inst *Instance) gatherInputs(entry *codegen.NodeEntry, outcomes map[string]*outcome, pos map[string]int) (map[string]any, error) {
	if len(entry.Inputs) == 0 {
		return nil, nil
	}
	args := make([]string, 0, len(entry.Inputs))
	for arg := range entry.Inputs {
		args = append(args, arg)
	}
	sort.Strings(args)

	var failed *outcome
	inputs := make(map[string]any, len(entry.Inputs))
	for _, arg := range args {
		method, port, _ := strings.Cut(entry.Inputs[arg], ":")
		src, ok := outcomes[method]
		if !ok {
			return nil, &GraphStructureError{
				Message: fmt.Sprintf("node %q reads %q before it ran", entry.Label, method),
			}
		}
		if src.failedHard() {
			if failed == nil || pos[method] < pos[failed.entry.Method] {
				failed = src
			}
			continue
		}
		v, ok := src.port(port)
		if !ok {
			return nil, &NodeExecutionError{
				NodeLabel: entry.Label,
				Message:   fmt.Sprintf("upstream node '%s' has no output '%s'", src.entry.Label, port),
			}
		}
		inputs[arg] = v
	}
	if failed != nil {
		return nil, &DependencyError{Origin: originOf(failed)}
	}
	return inputs, nil
}

// originOf extracts the user-facing message behind a hard failure,
// unwrapping dependency cascades to the first real error.
func originOf(o *outcome) string {
	switch e := o.hard.(type) {
	case *DependencyError:
		if e.Origin != "" {
			return e.Origin
		}
		return e.Error()
	default:
		return o.hard.Error()
	}
}

func (inst *Instance) dispatch(entry *codegen.NodeEntry, inputs, overrides map[string]any, o *outcome, tree *ResultTree) {
	switch entry.Kind {
	case "constant":
		inst.execValueNode(entry, configValue(entry), o)
	case "input":
		v, ok := resolveOverride(entry, overrides)
		if !ok {
			v = configValue(entry)
		}
		if v == nil || v == "" {
			o.soft = &ValueValidationError{Message: "Input required"}
			return
		}
		inst.execValueNode(entry, v, o)
	case "output":
		inst.execOutput(entry, inputs, o)
	case "function":
		inst.execFunction(entry, inputs, o)
	case "lut":
		inst.execLUT(entry, inputs, o)
	case "sheet":
		inst.execSheet(entry, inputs, o, tree)
	default:
		o.hard = &NodeExecutionError{
			NodeLabel: entry.Label,
			Message:   fmt.Sprintf("unknown node kind %q", entry.Kind),
		}
	}
}

func configValue(entry *codegen.NodeEntry) any {
	if entry.Config == nil {
		return nil
	}
	return entry.Config.Value
}

func resolveOverride(entry *codegen.NodeEntry, overrides map[string]any) (any, bool) {
	if v, ok := overrides[entry.NodeID]; ok {
		return v, true
	}
	if v, ok := overrides[entry.Label]; ok {
		return v, true
	}
	return nil, false
}

// execValueNode coerces and validates a constant or resolved input value.
func (inst *Instance) execValueNode(entry *codegen.NodeEntry, raw any, o *outcome) {
	v := lang.CoerceScalar(raw)
	o.scalar = v
	o.soft = validateValue(entry.Config, v)
}

func (inst *Instance) execOutput(entry *codegen.NodeEntry, inputs map[string]any, o *outcome) {
	var v any
	for _, in := range inputs {
		v = in
	}
	o.scalar = v
	o.soft = validateValue(entry.Config, v)
}

// validateValue applies option membership and range bounds. A violation is a
// soft ValueValidationError; nil means the value passes.
func validateValue(cfg *codegen.NodeConfig, v any) *ValueValidationError {
	if cfg == nil {
		return nil
	}
	if cfg.DataType == "option" && len(cfg.Options) > 0 {
		s := fmt.Sprintf("%v", v)
		for _, opt := range cfg.Options {
			if s == opt {
				return nil
			}
		}
		return &ValueValidationError{
			Message: fmt.Sprintf("Value '%v' is not in allowed options: [%s]", v, strings.Join(cfg.Options, ", ")),
		}
	}
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	if cfg.Min != nil && f < *cfg.Min {
		return &ValueValidationError{Message: fmt.Sprintf("Value %v is below minimum %v", v, *cfg.Min)}
	}
	if cfg.Max != nil && f > *cfg.Max {
		return &ValueValidationError{Message: fmt.Sprintf("Value %v is above maximum %v", v, *cfg.Max)}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func (inst *Instance) execFunction(entry *codegen.NodeEntry, inputs map[string]any, o *outcome) {
	if len(entry.CompileErrors) > 0 {
		first := entry.CompileErrors[0]
		o.hard = &NodeExecutionError{NodeLabel: entry.Label, Line: first.Line, Message: first.Message}
		return
	}
	body := lang.Compile(entry.Body)
	locals, err := body.Run(inputs, inst.allow)
	if err != nil {
		if le, ok := err.(*lang.LineError); ok {
			o.hard = &NodeExecutionError{NodeLabel: entry.Label, Line: le.Line, Message: le.Message}
		} else {
			o.hard = &NodeExecutionError{NodeLabel: entry.Label, Message: err.Error()}
		}
		return
	}
	outs := entry.Config.Outputs
	if len(outs) == 1 {
		v, ok := locals[outs[0]]
		if !ok {
			o.hard = &NodeExecutionError{
				NodeLabel: entry.Label,
				Message:   fmt.Sprintf("output '%s' is not defined", outs[0]),
			}
			return
		}
		o.scalar = v
		o.values = map[string]any{outs[0]: v}
		return
	}
	o.values = make(map[string]any, len(outs))
	for _, port := range outs {
		v, ok := locals[port]
		if !ok {
			o.hard = &NodeExecutionError{
				NodeLabel: entry.Label,
				Message:   fmt.Sprintf("output '%s' is not defined", port),
			}
			return
		}
		o.values[port] = v
	}
}

func (inst *Instance) execLUT(entry *codegen.NodeEntry, inputs map[string]any, o *outcome) {
	var key any
	for _, v := range inputs {
		key = v
	}
	keyStr := fmt.Sprintf("%v", lang.CoerceScalar(key))
	for _, row := range entry.Config.Rows {
		if fmt.Sprintf("%v", row.Key) != keyStr {
			continue
		}
		o.values = make(map[string]any, len(entry.Config.Outputs))
		for _, port := range entry.Config.Outputs {
			o.values[port] = row.Values[port]
		}
		return
	}
	o.hard = &NodeExecutionError{
		NodeLabel: entry.Label,
		Message:   fmt.Sprintf("no lookup row matches key '%v'", key),
	}
}

// execSheet runs the referenced class as a nested instance. A hard failure
// anywhere inside the child surfaces here as this node's execution error,
// carrying the child's originating message.
func (inst *Instance) execSheet(entry *codegen.NodeEntry, inputs map[string]any, o *outcome, tree *ResultTree) {
	child, err := NewInstance(inst.prog, entry.ClassRef, inst.allow)
	if err != nil {
		o.hard = &NodeExecutionError{NodeLabel: entry.Label, Message: err.Error()}
		return
	}
	childOverrides := make(map[string]any, len(inputs))
	for arg, v := range inputs {
		label := arg
		if mapped, ok := entry.InputLabels[arg]; ok {
			label = mapped
		}
		childOverrides[label] = v
	}
	childTree, err := child.Run(childOverrides)
	if err != nil {
		o.hard = &NodeExecutionError{NodeLabel: entry.Label, Message: err.Error()}
		return
	}
	if tree.Children == nil {
		tree.Children = map[string]*ResultTree{}
	}
	tree.Children[entry.NodeID] = childTree

	if msg := firstHardFailure(childTree); msg != "" {
		o.hard = &NodeExecutionError{NodeLabel: entry.Label, Message: msg}
		return
	}
	o.values = make(map[string]any, len(entry.Config.Outputs))
	for _, port := range entry.Config.Outputs {
		v, ok := childTree.PublicOutputs[port]
		if !ok {
			o.hard = &NodeExecutionError{
				NodeLabel: entry.Label,
				Message:   fmt.Sprintf("nested sheet exposes no output '%s'", port),
			}
			return
		}
		o.values[port] = v
	}
}

// firstHardFailure scans a child tree in execution order for the originating
// hard error, preferring real messages over dependency cascades. Walking the
// recorded order keeps the reported origin stable across runs.
func firstHardFailure(tree *ResultTree) string {
	cascade := ""
	for _, id := range tree.order {
		r := tree.Nodes[id]
		if r == nil || r.IsComputable {
			continue
		}
		if r.Error != "" {
			return r.Error
		}
		if cascade == "" && r.InternalError != "" {
			cascade = r.InternalError
		}
	}
	return cascade
}

// renderResult maps an outcome to its external record.
func renderResult(o *outcome) *NodeResult {
	r := &NodeResult{IsComputable: true}
	switch e := o.hard.(type) {
	case nil:
		r.Value = o.scalar
		if o.values != nil {
			r.Values = o.values
		}
		if o.soft != nil {
			r.Error = o.soft.Error()
		}
	case *DependencyError:
		r.IsComputable = false
		if o.entry.Kind == "output" {
			r.Error = e.Origin
		} else {
			r.InternalError = e.Error()
		}
	default:
		r.IsComputable = false
		r.Error = o.hard.Error()
	}
	return r
}
