package codegen

import (
	"fmt"
	"strings"
	"unicode"
)

// reservedNames are identifiers the runtime claims for itself; a label that
// sanitizes onto one of these gets a numeric suffix like any other clash.
var reservedNames = map[string]bool{
	"run":     true,
	"results": true,
	"inputs":  true,
	"outputs": true,
	"self":    true,
	"class":   true,
	"import":  true,
}

// nameTable hands out unique method and class names derived from labels.
type nameTable struct {
	taken map[string]bool
}

func newNameTable() *nameTable {
	taken := make(map[string]bool, len(reservedNames))
	for r := range reservedNames {
		taken[r] = true
	}
	return &nameTable{taken: taken}
}

// claim sanitizes label into an identifier and reserves it, suffixing _2,
// _3, ... on collision. The result is stable for a fixed claim order, which
// keeps regeneration deterministic.
func (t *nameTable) claim(label string) string {
	base := sanitizeIdent(label)
	name := base
	for i := 2; t.taken[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	t.taken[name] = true
	return name
}

func sanitizeIdent(label string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(label) {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r) && r < 128, r == '_':
			b.WriteRune(unicode.ToLower(r))
		case r == ' ', r == '-', r == '.', r == '/':
			b.WriteByte('_')
		}
	}
	out := b.String()
	out = strings.Trim(out, "_")
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	if out == "" {
		return "node"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "n_" + out
	}
	return out
}
