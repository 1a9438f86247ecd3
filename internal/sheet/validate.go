package sheet

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
}

// Validate runs the structural lint rules against a sheet. Rules that find
// an ERROR make the sheet unusable for calculation; WARNING diagnostics are
// surfaced but do not block.
func Validate(s *Sheet) []Diagnostic {
	if s == nil {
		return []Diagnostic{{Rule: "sheet_nil", Severity: SeverityError, Message: "sheet is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintUniqueNodeIDs(s)...)
	diags = append(diags, lintConnectionEndpoints(s)...)
	diags = append(diags, lintConnectionPorts(s)...)
	diags = append(diags, lintDuplicateTargetPort(s)...)
	diags = append(diags, lintAcyclic(s)...)
	diags = append(diags, lintLUTShape(s)...)
	diags = append(diags, lintOptionShape(s)...)
	diags = append(diags, lintPublicLabelCollision(s)...)
	return diags
}

// ValidateOrError reduces the ERROR diagnostics to a single error.
func ValidateOrError(s *Sheet) error {
	var errs []string
	for _, d := range Validate(s) {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sheet validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lintUniqueNodeIDs(s *Sheet) []Diagnostic {
	var diags []Diagnostic
	seen := map[uuid.UUID]bool{}
	for _, n := range s.Nodes {
		if seen[n.ID] {
			diags = append(diags, Diagnostic{
				Rule:     "node_id_unique",
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node id %s", n.ID),
				NodeID:   n.ID.String(),
			})
		}
		seen[n.ID] = true
	}
	return diags
}

func lintConnectionEndpoints(s *Sheet) []Diagnostic {
	var diags []Diagnostic
	for _, c := range s.Connections {
		if s.Node(c.SourceID) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "connection_endpoints",
				Severity: SeverityError,
				Message:  fmt.Sprintf("connection source %s is not a node in this sheet", c.SourceID),
			})
		}
		if s.Node(c.TargetID) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "connection_endpoints",
				Severity: SeverityError,
				Message:  fmt.Sprintf("connection target %s is not a node in this sheet", c.TargetID),
			})
		}
	}
	return diags
}

func lintConnectionPorts(s *Sheet) []Diagnostic {
	var diags []Diagnostic
	for _, c := range s.Connections {
		src := s.Node(c.SourceID)
		tgt := s.Node(c.TargetID)
		if src != nil && !src.HasOutputPort(c.SourcePort) {
			diags = append(diags, Diagnostic{
				Rule:     "connection_ports",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q has no output port %q", src.Label, c.SourcePort),
				NodeID:   src.ID.String(),
			})
		}
		if tgt != nil && !tgt.HasInputPort(c.TargetPort) {
			diags = append(diags, Diagnostic{
				Rule:     "connection_ports",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q has no input port %q", tgt.Label, c.TargetPort),
				NodeID:   tgt.ID.String(),
			})
		}
	}
	return diags
}

func lintDuplicateTargetPort(s *Sheet) []Diagnostic {
	var diags []Diagnostic
	seen := map[Endpoint]bool{}
	for _, c := range s.Connections {
		key := Endpoint{NodeID: c.TargetID, Port: c.TargetPort}
		if seen[key] {
			label := c.TargetID.String()
			if n := s.Node(c.TargetID); n != nil {
				label = n.Label
			}
			diags = append(diags, Diagnostic{
				Rule:     "duplicate_target_port",
				Severity: SeverityError,
				Message:  fmt.Sprintf("multiple connections feed input port %q of node %q", c.TargetPort, label),
				NodeID:   c.TargetID.String(),
			})
		}
		seen[key] = true
	}
	return diags
}

func lintAcyclic(s *Sheet) []Diagnostic {
	if err := CheckAcyclic(s); err != nil {
		return []Diagnostic{{Rule: "node_graph_acyclic", Severity: SeverityError, Message: err.Error()}}
	}
	return nil
}

// CheckAcyclic runs Kahn's algorithm over the node graph and reports an
// error naming the sheet when a cycle remains.
func CheckAcyclic(s *Sheet) error {
	indeg := make(map[uuid.UUID]int, len(s.Nodes))
	adj := make(map[uuid.UUID][]uuid.UUID, len(s.Nodes))
	for _, n := range s.Nodes {
		indeg[n.ID] = 0
	}
	for _, c := range s.Connections {
		if _, ok := indeg[c.SourceID]; !ok {
			continue
		}
		if _, ok := indeg[c.TargetID]; !ok {
			continue
		}
		adj[c.SourceID] = append(adj[c.SourceID], c.TargetID)
		indeg[c.TargetID]++
	}
	queue := make([]uuid.UUID, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	done := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		done++
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if done != len(s.Nodes) {
		return fmt.Errorf("cycle detected in node graph of sheet %q", s.Name)
	}
	return nil
}

func lintLUTShape(s *Sheet) []Diagnostic {
	var diags []Diagnostic
	for _, n := range s.Nodes {
		if n.Kind != KindLUT || len(n.Data.Rows) == 0 {
			continue
		}
		// Output ports must equal the key set of the first row's values.
		first := n.Data.Rows[0].Values
		for _, p := range n.Outputs {
			if _, ok := first[p.Key]; !ok {
				diags = append(diags, Diagnostic{
					Rule:     "lut_shape",
					Severity: SeverityError,
					Message:  fmt.Sprintf("lut %q declares output port %q missing from its rows", n.Label, p.Key),
					NodeID:   n.ID.String(),
				})
			}
		}
		for key := range first {
			if !hasPort(n.Outputs, key) {
				diags = append(diags, Diagnostic{
					Rule:     "lut_shape",
					Severity: SeverityError,
					Message:  fmt.Sprintf("lut %q rows carry value %q with no matching output port", n.Label, key),
					NodeID:   n.ID.String(),
				})
			}
		}
	}
	return diags
}

func lintOptionShape(s *Sheet) []Diagnostic {
	var diags []Diagnostic
	for _, n := range s.Nodes {
		if n.Kind != KindConstant && n.Kind != KindInput {
			continue
		}
		if n.Data.DataType == "option" && len(n.Data.Options) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     "option_shape",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q is an option with an empty option list", n.Label),
				NodeID:   n.ID.String(),
			})
		}
	}
	return diags
}

// Colliding public-output labels silently shadow each other at run time
// (last collected wins), so flag them here.
func lintPublicLabelCollision(s *Sheet) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]string{}
	for _, n := range s.Nodes {
		if n.Kind != KindOutput && n.Kind != KindConstant {
			continue
		}
		if prev, ok := seen[n.Label]; ok {
			diags = append(diags, Diagnostic{
				Rule:     "public_label_collision",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("public output label %q is shared by nodes %s and %s; the later node shadows the earlier", n.Label, prev, n.ID),
				NodeID:   n.ID.String(),
			})
		}
		seen[n.Label] = n.ID.String()
	}
	return diags
}

func hasPort(ports []Port, key string) bool {
	for _, p := range ports {
		if p.Key == key {
			return true
		}
	}
	return false
}
