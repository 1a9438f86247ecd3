package codegen

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/parascope/parascope/internal/lang"
	"github.com/parascope/parascope/internal/sheet"
)

// Generator compiles a root sheet and every sheet it transitively references
// into a Program. Nested sheets resolve through the repository.
type Generator struct {
	Repo sheet.Repository
}

func New(repo sheet.Repository) *Generator {
	return &Generator{Repo: repo}
}

type unitKey struct {
	sheetID   uuid.UUID
	versionID uuid.UUID
}

type genState struct {
	ctx        context.Context
	repo       sheet.Repository
	classNames *nameTable
	compiled   map[unitKey]string
	inProgress map[unitKey]bool
	classes    []*Class
}

// Generate compiles the closure rooted at root. Overrides are resolved
// values keyed by input node id; they land in the entry record untouched.
// Structural failures (cycles, broken connections, missing nested sheets)
// are fatal: no program is produced.
func (g *Generator) Generate(ctx context.Context, root *sheet.Sheet, overrides map[string]any) (*Program, error) {
	st := &genState{
		ctx:        ctx,
		repo:       g.Repo,
		classNames: newNameTable(),
		compiled:   map[unitKey]string{},
		inProgress: map[unitKey]bool{},
	}
	rootClass, err := st.compileSheet(root, uuid.Nil)
	if err != nil {
		return nil, err
	}
	return &Program{
		Format:  FormatV1,
		Classes: st.classes,
		Entry:   &Entry{Class: rootClass, Overrides: overrides},
	}, nil
}

func (st *genState) compileSheet(s *sheet.Sheet, versionID uuid.UUID) (string, error) {
	key := unitKey{sheetID: s.ID, versionID: versionID}
	if name, ok := st.compiled[key]; ok {
		return name, nil
	}
	if st.inProgress[key] {
		return "", fmt.Errorf("cycle detected in sheet references involving sheet %q", s.Name)
	}
	st.inProgress[key] = true
	defer delete(st.inProgress, key)

	if err := sheet.ValidateOrError(s); err != nil {
		return "", err
	}

	className := st.classNames.claim(s.Name)
	methods := newNameTable()
	incoming := s.IncomingByTarget()

	methodByID := make(map[uuid.UUID]string, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.Kind == sheet.KindComment {
			continue
		}
		methodByID[n.ID] = methods.claim(n.Label)
	}

	cls := &Class{
		Name:      className,
		SheetID:   s.ID.String(),
		SheetName: s.Name,
	}
	if versionID != uuid.Nil {
		cls.VersionID = versionID.String()
	}

	for _, n := range s.Nodes {
		if n.Kind == sheet.KindComment {
			continue
		}
		entry := &NodeEntry{
			NodeID: n.ID.String(),
			Kind:   string(n.Kind),
			Label:  n.Label,
			Method: methodByID[n.ID],
		}
		if ports := incoming[n.ID]; len(ports) > 0 {
			entry.Inputs = make(map[string]string, len(ports))
			for portKey, src := range ports {
				srcMethod, ok := methodByID[src.NodeID]
				if !ok {
					return "", fmt.Errorf("node %q wired from a comment node", n.Label)
				}
				srcPort := src.Port
				if srcPort == "" {
					srcPort = sheet.ValuePort
				}
				entry.Inputs[portKey] = srcMethod + ":" + srcPort
			}
		}
		if err := st.fillNode(entry, n); err != nil {
			return "", err
		}
		cls.Nodes = append(cls.Nodes, entry)
	}

	st.classes = append(st.classes, cls)
	st.compiled[key] = className
	return className, nil
}

func (st *genState) fillNode(entry *NodeEntry, n *sheet.Node) error {
	switch n.Kind {
	case sheet.KindConstant, sheet.KindInput:
		entry.Config = &NodeConfig{
			Value:    n.Data.Value,
			Min:      n.Data.Min,
			Max:      n.Data.Max,
			DataType: n.Data.DataType,
			Options:  n.Data.Options,
		}
	case sheet.KindOutput:
		if n.Data.Min != nil || n.Data.Max != nil {
			entry.Config = &NodeConfig{Min: n.Data.Min, Max: n.Data.Max}
		}
	case sheet.KindFunction:
		entry.Body = n.Data.Code
		entry.Config = &NodeConfig{Outputs: portKeys(n.Outputs)}
		body := lang.Compile(n.Data.Code)
		for _, stmt := range body.Statements {
			if stmt.CompileErr != "" {
				entry.CompileErrors = append(entry.CompileErrors, CompileIssue{
					Line:    stmt.Line,
					Message: stmt.CompileErr,
				})
			}
		}
	case sheet.KindLUT:
		cfg := &NodeConfig{Outputs: portKeys(n.Outputs)}
		for _, row := range n.Data.Rows {
			cfg.Rows = append(cfg.Rows, LUTEntry{Key: row.Key, Values: row.Values})
		}
		entry.Config = cfg
	case sheet.KindSheet:
		return st.fillSheetNode(entry, n)
	}
	return nil
}

func (st *genState) fillSheetNode(entry *NodeEntry, n *sheet.Node) error {
	child, childVersion, err := st.resolveChild(n)
	if err != nil {
		return err
	}
	ref, err := st.compileSheet(child, childVersion)
	if err != nil {
		return err
	}
	entry.ClassRef = ref
	entry.Config = &NodeConfig{Outputs: portKeys(n.Outputs)}

	// Port keys address the child's input nodes. A key matching an input
	// node id is normalized to that node's label; anything else passes
	// through as a label.
	labels := map[string]string{}
	inputNodes := child.NodesOfKind(sheet.KindInput)
	for _, p := range n.Inputs {
		label := p.Key
		for _, in := range inputNodes {
			if in.ID.String() == p.Key {
				label = in.Label
				break
			}
		}
		labels[p.Key] = label
	}
	if len(labels) > 0 {
		entry.InputLabels = labels
	}
	return nil
}

func (st *genState) resolveChild(n *sheet.Node) (*sheet.Sheet, uuid.UUID, error) {
	if n.Data.VersionID != uuid.Nil {
		v, err := st.repo.FetchVersion(st.ctx, n.Data.VersionID)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("resolve sheet node %q: %w", n.Label, err)
		}
		if v.Sheet == nil {
			return nil, uuid.Nil, fmt.Errorf("version %s has no sheet snapshot", v.ID)
		}
		return v.Sheet, v.ID, nil
	}
	if n.Data.SheetID == uuid.Nil {
		return nil, uuid.Nil, fmt.Errorf("sheet node %q references no sheet", n.Label)
	}
	s, err := st.repo.FetchSheet(st.ctx, n.Data.SheetID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("resolve sheet node %q: %w", n.Label, err)
	}
	return s, uuid.Nil, nil
}

func portKeys(ports []sheet.Port) []string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, p.Key)
	}
	return out
}
