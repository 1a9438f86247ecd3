package sandbox

import (
	"fmt"
	"strings"

	"github.com/parascope/parascope/internal/codegen"
)

// orderNodes returns the class's node entries in dependency order via
// Kahn's algorithm. The generator already refuses cyclic sheets, so a cycle
// here means a hand-edited or corrupted document.
func orderNodes(cls *codegen.Class) ([]*codegen.NodeEntry, error) {
	byMethod := make(map[string]*codegen.NodeEntry, len(cls.Nodes))
	for _, n := range cls.Nodes {
		if _, dup := byMethod[n.Method]; dup {
			return nil, &GraphStructureError{
				Message: fmt.Sprintf("class %q declares method %q twice", cls.Name, n.Method),
			}
		}
		byMethod[n.Method] = n
	}

	indeg := make(map[string]int, len(cls.Nodes))
	adj := make(map[string][]string, len(cls.Nodes))
	for _, n := range cls.Nodes {
		indeg[n.Method] += 0
		for _, ref := range n.Inputs {
			src, _, _ := strings.Cut(ref, ":")
			if _, ok := byMethod[src]; !ok {
				return nil, &GraphStructureError{
					Message: fmt.Sprintf("node %q reads unknown method %q", n.Label, src),
				}
			}
			adj[src] = append(adj[src], n.Method)
			indeg[n.Method]++
		}
	}

	queue := make([]string, 0, len(cls.Nodes))
	for _, n := range cls.Nodes {
		if indeg[n.Method] == 0 {
			queue = append(queue, n.Method)
		}
	}
	ordered := make([]*codegen.NodeEntry, 0, len(cls.Nodes))
	for len(queue) > 0 {
		m := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byMethod[m])
		for _, next := range adj[m] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(ordered) != len(cls.Nodes) {
		return nil, &GraphStructureError{
			Message: fmt.Sprintf("cycle detected in class %q", cls.Name),
		}
	}
	return ordered, nil
}
