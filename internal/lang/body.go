package lang

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/vm"
)

// StatementKind discriminates the three statement forms.
type StatementKind string

const (
	StmtImport StatementKind = "import"
	StmtAssign StatementKind = "assign"
)

// Statement is one parsed line of a function body. Comments and blank lines
// are dropped at parse time; Line keeps the original 1-based position so
// runtime errors point at the author's source.
type Statement struct {
	Line   int
	Kind   StatementKind
	Module string
	Target string
	Source string

	program    *vm.Program
	refs       []string
	CompileErr string
}

// Body is a compiled function body. A Body with compile errors is still a
// valid value; the errors surface when the owning node is dispatched, never
// earlier.
type Body struct {
	Statements []*Statement
}

// CompileError returns the first statement-level compile failure, or nil.
func (b *Body) CompileError() error {
	for _, st := range b.Statements {
		if st.CompileErr != "" {
			return &LineError{Line: st.Line, Message: st.CompileErr}
		}
	}
	return nil
}

// LineError is a failure pinned to a 1-based line of a function body.
type LineError struct {
	Line    int
	Message string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

var (
	assignRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+)$`)
	importRe = regexp.MustCompile(`^import\s+([A-Za-z_][A-Za-z0-9_.]*)$`)
)

// divPatcher rewrites every `/` into a call to the checked division helper
// so dividing by zero is an error instead of an IEEE infinity.
type divPatcher struct{}

func (divPatcher) Visit(node *ast.Node) {
	bn, ok := (*node).(*ast.BinaryNode)
	if !ok || bn.Operator != "/" {
		return
	}
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: checkedDivName},
		Arguments: []ast.Node{bn.Left, bn.Right},
	})
}

const checkedDivName = "__div"

// identCollector gathers the top-level names an expression reads. Run checks
// them against the local scope so a reference to a name that exists nowhere
// fails hard instead of silently evaluating to nil.
type identCollector struct {
	refs     map[string]bool
	declared map[string]bool
}

func (c *identCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.refs[n.Value] = true
	case *ast.VariableDeclaratorNode:
		c.declared[n.Name] = true
	}
}

func checkedDiv(a, b any) (any, error) {
	x, okA := toFloat(a)
	y, okB := toFloat(b)
	if !okA || !okB {
		return nil, fmt.Errorf("unsupported operand types for /")
	}
	if y == 0 {
		return nil, errors.New("division by zero")
	}
	return x / y, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Compile parses and compiles a function body. Parse and compile failures
// never abort compilation: they are recorded on the statement and replayed
// when the body runs.
func Compile(code string) *Body {
	body := &Body{}
	for i, raw := range strings.Split(code, "\n") {
		line := i + 1
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if m := importRe.FindStringSubmatch(text); m != nil {
			body.Statements = append(body.Statements, &Statement{
				Line:   line,
				Kind:   StmtImport,
				Module: m[1],
				Source: text,
			})
			continue
		}
		if strings.HasPrefix(text, "from ") || strings.HasPrefix(text, "import ") {
			body.Statements = append(body.Statements, &Statement{
				Line:       line,
				Kind:       StmtImport,
				Source:     text,
				CompileErr: fmt.Sprintf("unsupported import form: %q", text),
			})
			continue
		}
		m := assignRe.FindStringSubmatch(text)
		if m == nil || strings.HasPrefix(m[2], "=") {
			body.Statements = append(body.Statements, &Statement{
				Line:       line,
				Kind:       StmtAssign,
				Source:     text,
				CompileErr: fmt.Sprintf("statement is not an assignment or import: %q", text),
			})
			continue
		}
		st := &Statement{Line: line, Kind: StmtAssign, Target: m[1], Source: m[2]}
		collector := &identCollector{refs: map[string]bool{}, declared: map[string]bool{}}
		prog, err := expr.Compile(m[2],
			expr.Patch(collector),
			expr.Patch(divPatcher{}),
		)
		if err != nil {
			st.CompileErr = exprMessage(err)
		} else {
			st.program = prog
			for name := range collector.refs {
				if !collector.declared[name] {
					st.refs = append(st.refs, name)
				}
			}
			sort.Strings(st.refs)
		}
		body.Statements = append(body.Statements, st)
	}
	return body
}

// Run executes a compiled body. Inputs seed the local scope; the returned
// map holds every local after the last statement. Imports resolve against
// the allow-list at run time. The first failing statement stops execution
// with a LineError.
func (b *Body) Run(inputs map[string]any, allow *Allowlist) (map[string]any, error) {
	locals := map[string]any{checkedDivName: checkedDiv}
	for k, v := range Builtins() {
		locals[k] = v
	}
	// math is preloaded; an explicit import is allowed but redundant.
	locals["math"] = mathModule
	for name, ns := range allow.Preloaded() {
		locals[name] = ns
	}
	for k, v := range inputs {
		locals[k] = v
	}
	for _, st := range b.Statements {
		if st.CompileErr != "" {
			return nil, &LineError{Line: st.Line, Message: st.CompileErr}
		}
		switch st.Kind {
		case StmtImport:
			ns, err := allow.Resolve(st.Module)
			if err != nil {
				return nil, &LineError{Line: st.Line, Message: err.Error()}
			}
			locals[st.Module] = ns
		case StmtAssign:
			for _, name := range st.refs {
				if _, ok := locals[name]; !ok {
					return nil, &LineError{Line: st.Line, Message: fmt.Sprintf("name '%s' is not defined", name)}
				}
			}
			out, err := vm.Run(st.program, locals)
			if err != nil {
				return nil, &LineError{Line: st.Line, Message: exprMessage(err)}
			}
			locals[st.Target] = out
		}
	}
	for k := range Builtins() {
		delete(locals, k)
	}
	delete(locals, checkedDivName)
	delete(locals, "math")
	for name := range allow.Preloaded() {
		delete(locals, name)
	}
	return locals, nil
}

// exprMessage strips expr's source-location wrapper so errors read as plain
// messages; the line context comes from the statement, not the expression.
func exprMessage(err error) string {
	var fe *file.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
