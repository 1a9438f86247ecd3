package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/parascope/parascope/internal/codegen"
	"github.com/parascope/parascope/internal/lang"
	"github.com/parascope/parascope/internal/sheet"
)

func generate(t *testing.T, repo *sheet.MemoryRepository, root *sheet.Sheet, overrides map[string]any) *codegen.Program {
	t.Helper()
	if repo == nil {
		repo = sheet.NewMemoryRepository()
	}
	prog, err := codegen.New(repo).Generate(context.Background(), root, overrides)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return prog
}

func runProgram(t *testing.T, prog *codegen.Program, overrides map[string]any) *ResultTree {
	t.Helper()
	inst, err := NewInstance(prog, prog.Entry.Class, lang.NewAllowlist())
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	tree, err := inst.Run(overrides)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return tree
}

type sheetBuilder struct {
	s *sheet.Sheet
}

func newSheet(name string) *sheetBuilder {
	return &sheetBuilder{s: &sheet.Sheet{ID: uuid.New(), Name: name}}
}

func (b *sheetBuilder) add(n *sheet.Node) *sheet.Node {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	b.s.Nodes = append(b.s.Nodes, n)
	return n
}

func (b *sheetBuilder) wire(src *sheet.Node, srcPort string, dst *sheet.Node, dstPort string) {
	b.s.Connections = append(b.s.Connections, &sheet.Connection{
		SourceID: src.ID, SourcePort: srcPort, TargetID: dst.ID, TargetPort: dstPort,
	})
}

func TestConstantFunctionOutputChain(t *testing.T) {
	b := newSheet("gravity")
	mass := b.add(&sheet.Node{Kind: sheet.KindConstant, Label: "mass", Data: sheet.Data{Value: 10}})
	g := b.add(&sheet.Node{Kind: sheet.KindConstant, Label: "g", Data: sheet.Data{Value: 9.8}})
	force := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "force",
		Inputs:  []sheet.Port{{Key: "m"}, {Key: "a"}},
		Outputs: []sheet.Port{{Key: "f"}},
		Data:    sheet.Data{Code: "f = m * a"},
	})
	out := b.add(&sheet.Node{Kind: sheet.KindOutput, Label: "weight", Inputs: []sheet.Port{{Key: "value"}}})
	b.wire(mass, "value", force, "m")
	b.wire(g, "value", force, "a")
	b.wire(force, "f", out, "value")

	tree := runProgram(t, generate(t, nil, b.s, nil), nil)
	r := tree.Nodes[out.ID.String()]
	if r == nil || !r.IsComputable || r.Error != "" {
		t.Fatalf("output result: %+v", r)
	}
	if v, ok := r.Value.(float64); !ok || v != 98 {
		t.Fatalf("weight = %v (%T), want 98.0", r.Value, r.Value)
	}
	if tree.PublicOutputs["weight"] != r.Value {
		t.Fatalf("public outputs = %v", tree.PublicOutputs)
	}
	if tree.PublicOutputs["mass"] != 10 {
		t.Fatalf("constants belong to public outputs: %v", tree.PublicOutputs)
	}
}

func TestOverrideByIDAndLabel(t *testing.T) {
	b := newSheet("override")
	in := b.add(&sheet.Node{Kind: sheet.KindInput, Label: "speed", Data: sheet.Data{Value: 1}})
	out := b.add(&sheet.Node{Kind: sheet.KindOutput, Label: "echo", Inputs: []sheet.Port{{Key: "value"}}})
	b.wire(in, "value", out, "value")
	prog := generate(t, nil, b.s, nil)

	tree := runProgram(t, prog, map[string]any{"speed": "7"})
	if tree.PublicOutputs["echo"] != 7 {
		t.Fatalf("label override: %v", tree.PublicOutputs["echo"])
	}

	tree = runProgram(t, prog, map[string]any{in.ID.String(): 3, "speed": 9})
	if tree.PublicOutputs["echo"] != 3 {
		t.Fatalf("id override must beat label: %v", tree.PublicOutputs["echo"])
	}
}

func TestInputRequired(t *testing.T) {
	b := newSheet("req")
	in := b.add(&sheet.Node{Kind: sheet.KindInput, Label: "x"})
	fn := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "twice",
		Inputs:  []sheet.Port{{Key: "x"}},
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "y = x * 2"},
	})
	b.wire(in, "value", fn, "x")
	tree := runProgram(t, generate(t, nil, b.s, nil), nil)
	r := tree.Nodes[in.ID.String()]
	if r.Error != "Input required" {
		t.Fatalf("input result: %+v", r)
	}
	if !r.IsComputable {
		t.Fatal("unresolved input is a soft failure")
	}
}

func TestOptionAndRangeValidationSoft(t *testing.T) {
	minV, maxV := 0.0, 100.0
	b := newSheet("valid")
	gear := b.add(&sheet.Node{
		Kind: sheet.KindConstant, Label: "gear",
		Data: sheet.Data{Value: "turbo", DataType: "option", Options: []string{"low", "high"}},
	})
	level := b.add(&sheet.Node{
		Kind: sheet.KindConstant, Label: "level",
		Data: sheet.Data{Value: 150, Min: &minV, Max: &maxV},
	})
	tree := runProgram(t, generate(t, nil, b.s, nil), nil)

	r := tree.Nodes[gear.ID.String()]
	want := "Value 'turbo' is not in allowed options: [low, high]"
	if r.Error != want {
		t.Fatalf("option error = %q, want %q", r.Error, want)
	}
	if !r.IsComputable || r.Value != "turbo" {
		t.Fatalf("soft failure must keep the value: %+v", r)
	}

	r = tree.Nodes[level.ID.String()]
	if !strings.Contains(r.Error, "above maximum") {
		t.Fatalf("range error = %q", r.Error)
	}
	if !r.IsComputable || r.Value != 150 {
		t.Fatalf("range violation flows: %+v", r)
	}
}

func TestValidateValueReturnsTypedError(t *testing.T) {
	minV := 5.0
	verr := validateValue(&codegen.NodeConfig{Min: &minV}, 1)
	if verr == nil {
		t.Fatal("expected a validation error")
	}
	var soft *ValueValidationError
	if !errors.As(verr, &soft) {
		t.Fatalf("want ValueValidationError, got %T", verr)
	}
	if soft.Error() != "Value 1 is below minimum 5" {
		t.Fatalf("message = %q", soft.Error())
	}
	if validateValue(&codegen.NodeConfig{Min: &minV}, 7) != nil {
		t.Fatal("passing value must not produce an error")
	}
}

func TestHardFailurePropagation(t *testing.T) {
	b := newSheet("boom")
	x := b.add(&sheet.Node{Kind: sheet.KindConstant, Label: "x", Data: sheet.Data{Value: 1}})
	div := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "div",
		Inputs:  []sheet.Port{{Key: "x"}},
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "y = x / 0"},
	})
	next := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "next",
		Inputs:  []sheet.Port{{Key: "y"}},
		Outputs: []sheet.Port{{Key: "z"}},
		Data:    sheet.Data{Code: "z = y + 1"},
	})
	out := b.add(&sheet.Node{Kind: sheet.KindOutput, Label: "final", Inputs: []sheet.Port{{Key: "value"}}})
	b.wire(x, "value", div, "x")
	b.wire(div, "y", next, "y")
	b.wire(next, "z", out, "value")

	tree := runProgram(t, generate(t, nil, b.s, nil), nil)

	r := tree.Nodes[div.ID.String()]
	if r.IsComputable {
		t.Fatal("division by zero is hard")
	}
	if want := "Node 'div', line 1: division by zero"; r.Error != want {
		t.Fatalf("error = %q, want %q", r.Error, want)
	}

	r = tree.Nodes[next.ID.String()]
	if r.IsComputable || r.InternalError != "Dependency failed" || r.Error != "" {
		t.Fatalf("intermediate cascade: %+v", r)
	}

	r = tree.Nodes[out.ID.String()]
	if r.IsComputable {
		t.Fatal("output must cascade")
	}
	if !strings.Contains(r.Error, "division by zero") {
		t.Fatalf("output shows origin, got %q", r.Error)
	}
	if _, ok := tree.PublicOutputs["final"]; ok {
		t.Fatal("failed output must not appear in public outputs")
	}
}

func TestCompileErrorRaisedAtDispatch(t *testing.T) {
	b := newSheet("badcode")
	fn := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "bad",
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "# header\ny = 1 +"},
	})
	ok := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "fine",
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "y = 2"},
	})
	tree := runProgram(t, generate(t, nil, b.s, nil), nil)

	r := tree.Nodes[fn.ID.String()]
	if r.IsComputable || !strings.HasPrefix(r.Error, "Node 'bad', line 2:") {
		t.Fatalf("compile failure result: %+v", r)
	}
	r = tree.Nodes[ok.ID.String()]
	if !r.IsComputable || r.Values["y"] != 2 {
		t.Fatalf("sibling must be unaffected: %+v", r)
	}
}

func TestLUTDispatch(t *testing.T) {
	b := newSheet("lut")
	key := b.add(&sheet.Node{Kind: sheet.KindConstant, Label: "gear", Data: sheet.Data{Value: "low"}})
	lut := b.add(&sheet.Node{
		Kind: sheet.KindLUT, Label: "ratios",
		Inputs:  []sheet.Port{{Key: "key"}},
		Outputs: []sheet.Port{{Key: "ratio"}},
		Data: sheet.Data{Rows: []sheet.LUTRow{
			{Key: "low", Values: map[string]any{"ratio": 3.5}},
			{Key: "high", Values: map[string]any{"ratio": 0.8}},
		}},
	})
	out := b.add(&sheet.Node{Kind: sheet.KindOutput, Label: "ratio", Inputs: []sheet.Port{{Key: "value"}}})
	b.wire(key, "value", lut, "key")
	b.wire(lut, "ratio", out, "value")

	prog := generate(t, nil, b.s, nil)
	tree := runProgram(t, prog, nil)
	if tree.PublicOutputs["ratio"] != 3.5 {
		t.Fatalf("lut output = %v", tree.PublicOutputs["ratio"])
	}

	tree = runProgram(t, prog, map[string]any{"gear": "reverse"})
	r := tree.Nodes[lut.ID.String()]
	if r.IsComputable || !strings.Contains(r.Error, "no lookup row matches key 'reverse'") {
		t.Fatalf("miss result: %+v", r)
	}
}

func TestLUTMissNoOverride(t *testing.T) {
	b := newSheet("lutmiss")
	key := b.add(&sheet.Node{Kind: sheet.KindInput, Label: "gear", Data: sheet.Data{Value: "low"}})
	lut := b.add(&sheet.Node{
		Kind: sheet.KindLUT, Label: "ratios",
		Inputs:  []sheet.Port{{Key: "key"}},
		Outputs: []sheet.Port{{Key: "ratio"}},
		Data: sheet.Data{Rows: []sheet.LUTRow{
			{Key: "low", Values: map[string]any{"ratio": 3.5}},
		}},
	})
	b.wire(key, "value", lut, "key")
	tree := runProgram(t, generate(t, nil, b.s, nil), map[string]any{"gear": "mid"})
	r := tree.Nodes[lut.ID.String()]
	if r.IsComputable {
		t.Fatalf("expected lut miss: %+v", r)
	}
}

func TestNestedSheetExecution(t *testing.T) {
	child := newSheet("squarer")
	cin := child.add(&sheet.Node{Kind: sheet.KindInput, Label: "n", Data: sheet.Data{Value: 1}})
	cfn := child.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "square",
		Inputs:  []sheet.Port{{Key: "x"}},
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "y = x * x"},
	})
	cout := child.add(&sheet.Node{Kind: sheet.KindOutput, Label: "sq", Inputs: []sheet.Port{{Key: "value"}}})
	child.wire(cin, "value", cfn, "x")
	child.wire(cfn, "y", cout, "value")

	parent := newSheet("parent")
	pin := parent.add(&sheet.Node{Kind: sheet.KindInput, Label: "v", Data: sheet.Data{Value: 4}})
	ref := parent.add(&sheet.Node{
		Kind: sheet.KindSheet, Label: "sq",
		Inputs:  []sheet.Port{{Key: "n"}},
		Outputs: []sheet.Port{{Key: "sq"}},
		Data:    sheet.Data{SheetID: child.s.ID},
	})
	pout := parent.add(&sheet.Node{Kind: sheet.KindOutput, Label: "result", Inputs: []sheet.Port{{Key: "value"}}})
	parent.wire(pin, "value", ref, "n")
	parent.wire(ref, "sq", pout, "value")

	repo := sheet.NewMemoryRepository()
	repo.AddSheet(child.s)
	repo.AddSheet(parent.s)

	tree := runProgram(t, generate(t, repo, parent.s, nil), map[string]any{"v": 4})
	if tree.PublicOutputs["result"] != 16 {
		t.Fatalf("result = %v", tree.PublicOutputs["result"])
	}
	childTree := tree.Children[ref.ID.String()]
	if childTree == nil {
		t.Fatal("nested result tree missing")
	}
	if childTree.PublicOutputs["sq"] != 16 {
		t.Fatalf("child outputs = %v", childTree.PublicOutputs)
	}
}

func TestNestedSheetHardFailureSurfaces(t *testing.T) {
	child := newSheet("divider")
	cin := child.add(&sheet.Node{Kind: sheet.KindInput, Label: "d", Data: sheet.Data{Value: 0}})
	cfn := child.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "invert",
		Inputs:  []sheet.Port{{Key: "d"}},
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "y = 1 / d"},
	})
	cout := child.add(&sheet.Node{Kind: sheet.KindOutput, Label: "inv", Inputs: []sheet.Port{{Key: "value"}}})
	child.wire(cin, "value", cfn, "d")
	child.wire(cfn, "y", cout, "value")

	parent := newSheet("outer")
	ref := parent.add(&sheet.Node{
		Kind: sheet.KindSheet, Label: "calc",
		Outputs: []sheet.Port{{Key: "inv"}},
		Data:    sheet.Data{SheetID: child.s.ID},
	})
	pout := parent.add(&sheet.Node{Kind: sheet.KindOutput, Label: "final", Inputs: []sheet.Port{{Key: "value"}}})
	parent.wire(ref, "inv", pout, "value")

	repo := sheet.NewMemoryRepository()
	repo.AddSheet(child.s)
	repo.AddSheet(parent.s)

	tree := runProgram(t, generate(t, repo, parent.s, nil), nil)
	r := tree.Nodes[ref.ID.String()]
	if r.IsComputable {
		t.Fatal("nested hard failure must fail the sheet node")
	}
	if !strings.Contains(r.Error, "division by zero") {
		t.Fatalf("sheet node error should carry origin, got %q", r.Error)
	}
	rOut := tree.Nodes[pout.ID.String()]
	if rOut.IsComputable || !strings.Contains(rOut.Error, "division by zero") {
		t.Fatalf("parent output: %+v", rOut)
	}
}

func TestNestedFailureOriginStable(t *testing.T) {
	child := newSheet("fragile")
	child.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "boom one",
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "y = 1 / 0"},
	})
	child.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "boom two",
		Outputs: []sheet.Port{{Key: "z"}},
		Data:    sheet.Data{Code: "z = ghost_value"},
	})

	parent := newSheet("outer")
	ref := parent.add(&sheet.Node{
		Kind: sheet.KindSheet, Label: "calc",
		Data: sheet.Data{SheetID: child.s.ID},
	})

	repo := sheet.NewMemoryRepository()
	repo.AddSheet(child.s)
	repo.AddSheet(parent.s)
	prog := generate(t, repo, parent.s, nil)

	// Two distinct hard failures inside the child; the first one in
	// execution order must win on the parent's sheet node, every run.
	want := "Node 'calc': Node 'boom one', line 1: division by zero"
	for i := 0; i < 50; i++ {
		tree := runProgram(t, prog, nil)
		r := tree.Nodes[ref.ID.String()]
		if r.IsComputable {
			t.Fatal("nested hard failure must fail the sheet node")
		}
		if r.Error != want {
			t.Fatalf("run %d: error = %q, want %q", i, r.Error, want)
		}
	}
}

func TestDependencyOriginStable(t *testing.T) {
	b := newSheet("twofail")
	first := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "first bad",
		Outputs: []sheet.Port{{Key: "a"}},
		Data:    sheet.Data{Code: "a = 1 / 0"},
	})
	second := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "second bad",
		Outputs: []sheet.Port{{Key: "b"}},
		Data:    sheet.Data{Code: "b = ghost_value"},
	})
	combine := b.add(&sheet.Node{
		Kind: sheet.KindFunction, Label: "combine",
		Inputs:  []sheet.Port{{Key: "a"}, {Key: "b"}},
		Outputs: []sheet.Port{{Key: "c"}},
		Data:    sheet.Data{Code: "c = a + b"},
	})
	out := b.add(&sheet.Node{Kind: sheet.KindOutput, Label: "final", Inputs: []sheet.Port{{Key: "value"}}})
	b.wire(first, "a", combine, "a")
	b.wire(second, "b", combine, "b")
	b.wire(combine, "c", out, "value")

	prog := generate(t, nil, b.s, nil)
	want := "Node 'first bad', line 1: division by zero"
	for i := 0; i < 50; i++ {
		tree := runProgram(t, prog, nil)
		r := tree.Nodes[out.ID.String()]
		if r.IsComputable {
			t.Fatal("output must cascade")
		}
		if r.Error != want {
			t.Fatalf("run %d: error = %q, want %q", i, r.Error, want)
		}
	}
}

func TestOrderNodesRejectsTamperedDocument(t *testing.T) {
	cls := &codegen.Class{
		Name: "t",
		Nodes: []*codegen.NodeEntry{
			{NodeID: "1", Kind: "function", Label: "a", Method: "a", Inputs: map[string]string{"x": "b:value"}},
			{NodeID: "2", Kind: "function", Label: "b", Method: "b", Inputs: map[string]string{"x": "a:value"}},
		},
	}
	_, err := orderNodes(cls)
	if err == nil {
		t.Fatal("expected cycle rejection")
	}
	if _, ok := err.(*GraphStructureError); !ok {
		t.Fatalf("want GraphStructureError, got %T", err)
	}
}
