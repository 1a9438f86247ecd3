package codegen

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/parascope/parascope/internal/sheet"
)

func TestSanitizeIdent(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Total Mass", "total_mass"},
		{"9 lives", "n_9_lives"},
		{"a--b", "a_b"},
		{"   ", "node"},
		{"Δx", "x"},
	}
	for _, c := range cases {
		if got := sanitizeIdent(c.in); got != c.want {
			t.Fatalf("sanitizeIdent(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNameTableDedup(t *testing.T) {
	nt := newNameTable()
	a := nt.claim("speed")
	b := nt.claim("Speed")
	c := nt.claim("speed")
	if a != "speed" || b != "speed_2" || c != "speed_3" {
		t.Fatalf("got %q %q %q", a, b, c)
	}
	if nt.claim("results") == "results" {
		t.Fatal("reserved name must not be handed out bare")
	}
}

func simpleSheet() *sheet.Sheet {
	in := &sheet.Node{ID: uuid.New(), Kind: sheet.KindInput, Label: "speed", Data: sheet.Data{Value: 10}}
	fn := &sheet.Node{
		ID: uuid.New(), Kind: sheet.KindFunction, Label: "double",
		Inputs:  []sheet.Port{{Key: "x"}},
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "y = x * 2"},
	}
	out := &sheet.Node{ID: uuid.New(), Kind: sheet.KindOutput, Label: "result", Inputs: []sheet.Port{{Key: "value"}}}
	return &sheet.Sheet{
		ID: uuid.New(), Name: "distance",
		Nodes: []*sheet.Node{in, fn, out},
		Connections: []*sheet.Connection{
			{SourceID: in.ID, SourcePort: "value", TargetID: fn.ID, TargetPort: "x"},
			{SourceID: fn.ID, SourcePort: "y", TargetID: out.ID, TargetPort: "value"},
		},
	}
}

func TestGenerateSimpleSheet(t *testing.T) {
	g := New(sheet.NewMemoryRepository())
	s := simpleSheet()
	prog, err := g.Generate(context.Background(), s, map[string]any{s.Nodes[0].ID.String(): 5})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(prog.Classes) != 1 {
		t.Fatalf("classes = %d, want 1", len(prog.Classes))
	}
	cls := prog.Classes[0]
	if cls.Name != "distance" {
		t.Fatalf("class name = %q", cls.Name)
	}
	if prog.Entry == nil || prog.Entry.Class != "distance" {
		t.Fatalf("entry = %+v", prog.Entry)
	}
	var fn *NodeEntry
	for _, n := range cls.Nodes {
		if n.Kind == "function" {
			fn = n
		}
	}
	if fn == nil {
		t.Fatal("function entry missing")
	}
	if fn.Inputs["x"] != "speed:value" {
		t.Fatalf("function inputs = %v", fn.Inputs)
	}
	if len(fn.Config.Outputs) != 1 || fn.Config.Outputs[0] != "y" {
		t.Fatalf("function outputs = %v", fn.Config.Outputs)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	g := New(sheet.NewMemoryRepository())
	s := simpleSheet()
	ctx := context.Background()
	p1, err := g.Generate(ctx, s, nil)
	if err != nil {
		t.Fatalf("first generate: %v", err)
	}
	p2, err := g.Generate(ctx, s, nil)
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	b1, err := p1.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	b2, err := p2.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatal("regeneration of an unchanged sheet must be byte-identical")
	}
	if Fingerprint(b1) != Fingerprint(b2) {
		t.Fatal("fingerprints differ")
	}
}

func TestGenerateRecordsCompileErrors(t *testing.T) {
	g := New(sheet.NewMemoryRepository())
	s := simpleSheet()
	s.Nodes[1].Data.Code = "y = 1 +"
	prog, err := g.Generate(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("compile errors must not abort generation: %v", err)
	}
	var fn *NodeEntry
	for _, n := range prog.Classes[0].Nodes {
		if n.Kind == "function" {
			fn = n
		}
	}
	if len(fn.CompileErrors) == 0 {
		t.Fatal("expected recorded compile errors")
	}
	if fn.CompileErrors[0].Line != 1 {
		t.Fatalf("line = %d", fn.CompileErrors[0].Line)
	}
}

func TestGenerateCycleFatal(t *testing.T) {
	g := New(sheet.NewMemoryRepository())
	s := simpleSheet()
	s.Connections = append(s.Connections, &sheet.Connection{
		SourceID: s.Nodes[1].ID, SourcePort: "y", TargetID: s.Nodes[1].ID, TargetPort: "x",
	})
	_, err := g.Generate(context.Background(), s, nil)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error should mention cycle: %v", err)
	}
}

func nestedFixture(t *testing.T) (*sheet.MemoryRepository, *sheet.Sheet, *sheet.Sheet) {
	t.Helper()
	childIn := &sheet.Node{ID: uuid.New(), Kind: sheet.KindInput, Label: "n", Data: sheet.Data{Value: 1}}
	childFn := &sheet.Node{
		ID: uuid.New(), Kind: sheet.KindFunction, Label: "square",
		Inputs:  []sheet.Port{{Key: "x"}},
		Outputs: []sheet.Port{{Key: "y"}},
		Data:    sheet.Data{Code: "y = x * x"},
	}
	childOut := &sheet.Node{ID: uuid.New(), Kind: sheet.KindOutput, Label: "sq", Inputs: []sheet.Port{{Key: "value"}}}
	child := &sheet.Sheet{
		ID: uuid.New(), Name: "squarer",
		Nodes: []*sheet.Node{childIn, childFn, childOut},
		Connections: []*sheet.Connection{
			{SourceID: childIn.ID, SourcePort: "value", TargetID: childFn.ID, TargetPort: "x"},
			{SourceID: childFn.ID, SourcePort: "y", TargetID: childOut.ID, TargetPort: "value"},
		},
	}

	parentIn := &sheet.Node{ID: uuid.New(), Kind: sheet.KindInput, Label: "v", Data: sheet.Data{Value: 3}}
	ref1 := &sheet.Node{
		ID: uuid.New(), Kind: sheet.KindSheet, Label: "sq one",
		Inputs:  []sheet.Port{{Key: "n"}},
		Outputs: []sheet.Port{{Key: "sq"}},
		Data:    sheet.Data{SheetID: child.ID},
	}
	ref2 := &sheet.Node{
		ID: uuid.New(), Kind: sheet.KindSheet, Label: "sq two",
		Inputs:  []sheet.Port{{Key: childIn.ID.String()}},
		Outputs: []sheet.Port{{Key: "sq"}},
		Data:    sheet.Data{SheetID: child.ID},
	}
	parentOut := &sheet.Node{ID: uuid.New(), Kind: sheet.KindOutput, Label: "total", Inputs: []sheet.Port{{Key: "value"}}}
	parent := &sheet.Sheet{
		ID: uuid.New(), Name: "parent",
		Nodes: []*sheet.Node{parentIn, ref1, ref2, parentOut},
		Connections: []*sheet.Connection{
			{SourceID: parentIn.ID, SourcePort: "value", TargetID: ref1.ID, TargetPort: "n"},
			{SourceID: parentIn.ID, SourcePort: "value", TargetID: ref2.ID, TargetPort: childIn.ID.String()},
			{SourceID: ref1.ID, SourcePort: "sq", TargetID: parentOut.ID, TargetPort: "value"},
		},
	}
	repo := sheet.NewMemoryRepository()
	repo.AddSheet(child)
	repo.AddSheet(parent)
	return repo, parent, child
}

func TestGenerateNestedSheetCompiledOnce(t *testing.T) {
	repo, parent, child := nestedFixture(t)
	g := New(repo)
	prog, err := g.Generate(context.Background(), parent, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(prog.Classes) != 2 {
		t.Fatalf("classes = %d, want 2 (child deduped)", len(prog.Classes))
	}
	if prog.Classes[0].SheetID != child.ID.String() {
		t.Fatal("child class must come before the root")
	}
	if prog.Entry.Class != "parent" {
		t.Fatalf("entry class = %q", prog.Entry.Class)
	}
	var ref2 *NodeEntry
	for _, n := range prog.Classes[1].Nodes {
		if n.Label == "sq two" {
			ref2 = n
		}
	}
	if ref2 == nil {
		t.Fatal("sq two entry missing")
	}
	for key, label := range ref2.InputLabels {
		if label != "n" {
			t.Fatalf("id-keyed port %q should map to child label n, got %q", key, label)
		}
	}
	if len(ref2.InputLabels) != 1 {
		t.Fatalf("input labels = %v", ref2.InputLabels)
	}
}

func TestGenerateSheetReferenceCycle(t *testing.T) {
	repo := sheet.NewMemoryRepository()
	a := &sheet.Sheet{ID: uuid.New(), Name: "a"}
	b := &sheet.Sheet{ID: uuid.New(), Name: "b"}
	a.Nodes = []*sheet.Node{{
		ID: uuid.New(), Kind: sheet.KindSheet, Label: "to b",
		Data: sheet.Data{SheetID: b.ID},
	}}
	b.Nodes = []*sheet.Node{{
		ID: uuid.New(), Kind: sheet.KindSheet, Label: "to a",
		Data: sheet.Data{SheetID: a.ID},
	}}
	repo.AddSheet(a)
	repo.AddSheet(b)
	_, err := New(repo).Generate(context.Background(), a, nil)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("want sheet-reference cycle error, got %v", err)
	}
}

func TestParseProgramRoundTrip(t *testing.T) {
	repo, parent, _ := nestedFixture(t)
	prog, err := New(repo).Generate(context.Background(), parent, map[string]any{"v": 3})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := prog.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseProgram(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.Entry.Class != prog.Entry.Class || len(back.Classes) != len(prog.Classes) {
		t.Fatal("round trip lost structure")
	}
	if _, err := ParseProgram([]byte(`{"format": "other/9", "classes": [{}]}`)); err == nil {
		t.Fatal("unknown format must be rejected")
	}
}
