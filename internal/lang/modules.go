// Package lang implements the restricted statement language function nodes
// are written in: newline-separated statements that are either an import of
// an allow-listed module, an assignment whose right side is an expression,
// or a comment. Expressions compile and run on expr-lang/expr under an
// environment the worker controls.
package lang

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DefaultAllowedImports is the baseline import allow-list. Configuration can
// extend it but never shrink it below this set.
var DefaultAllowedImports = []string{
	"math", "numpy", "scipy", "networkx", "json", "datetime", "time",
	"random", "itertools", "functools", "collections", "re", "traceback",
}

// Allowlist answers whether an import is permitted and resolves the
// namespace bound for it.
type Allowlist struct {
	allowed   map[string]bool
	preloaded map[string]map[string]any
}

func NewAllowlist(extra ...string) *Allowlist {
	a := &Allowlist{allowed: map[string]bool{}}
	for _, m := range DefaultAllowedImports {
		a.allowed[m] = true
	}
	for _, m := range extra {
		m = strings.TrimSpace(m)
		if m != "" {
			a.allowed[m] = true
		}
	}
	return a
}

func (a *Allowlist) Allowed(module string) bool {
	return a.allowed[module]
}

// Preload binds modules into scope without an import statement. Modules that
// are not allowed or have no namespace are skipped; an explicit import still
// reports them properly.
func (a *Allowlist) Preload(modules ...string) {
	for _, m := range modules {
		m = strings.TrimSpace(m)
		ns, err := a.Resolve(m)
		if err != nil {
			continue
		}
		if a.preloaded == nil {
			a.preloaded = map[string]map[string]any{}
		}
		a.preloaded[m] = ns
	}
}

// Preloaded returns the namespaces bound by Preload.
func (a *Allowlist) Preloaded() map[string]map[string]any {
	return a.preloaded
}

// ImportError is the canonical rejection message for a module outside the
// allow-list. It is a hard failure wherever it surfaces.
func ImportError(module string) error {
	return fmt.Errorf("Import of module '%s' is not allowed in this environment.", module)
}

// Resolve returns the namespace for an allowed module. Allowed modules with
// no namespace implementation produce an availability error rather than an
// allow-list rejection.
func (a *Allowlist) Resolve(module string) (map[string]any, error) {
	if !a.Allowed(module) {
		return nil, ImportError(module)
	}
	ns, ok := moduleNamespaces[module]
	if !ok {
		return nil, fmt.Errorf("Module '%s' is not available in this environment.", module)
	}
	return ns, nil
}

var moduleNamespaces = map[string]map[string]any{
	"math":     mathModule,
	"random":   randomModule,
	"json":     jsonModule,
	"datetime": datetimeModule,
	"time":     timeModule,
	"re":       reModule,
}

var mathModule = map[string]any{
	"pi":       math.Pi,
	"e":        math.E,
	"tau":      2 * math.Pi,
	"inf":      math.Inf(1),
	"sqrt":     math.Sqrt,
	"cbrt":     math.Cbrt,
	"sin":      math.Sin,
	"cos":      math.Cos,
	"tan":      math.Tan,
	"asin":     math.Asin,
	"acos":     math.Acos,
	"atan":     math.Atan,
	"atan2":    math.Atan2,
	"sinh":     math.Sinh,
	"cosh":     math.Cosh,
	"tanh":     math.Tanh,
	"log":      math.Log,
	"log2":     math.Log2,
	"log10":    math.Log10,
	"exp":      math.Exp,
	"pow":      math.Pow,
	"hypot":    math.Hypot,
	"fmod":     math.Mod,
	"fabs":     math.Abs,
	"floor":    math.Floor,
	"ceil":     math.Ceil,
	"trunc":    math.Trunc,
	"degrees":  func(rad float64) float64 { return rad * 180 / math.Pi },
	"radians":  func(deg float64) float64 { return deg * math.Pi / 180 },
	"isnan":    math.IsNaN,
	"isinf":    func(v float64) bool { return math.IsInf(v, 0) },
	"copysign": math.Copysign,
}

var randomModule = map[string]any{
	"random":  func() float64 { return rand.Float64() },
	"uniform": func(a, b float64) float64 { return a + rand.Float64()*(b-a) },
	"randint": func(a, b int) int { return a + rand.Intn(b-a+1) },
	"choice": func(items []any) (any, error) {
		if len(items) == 0 {
			return nil, fmt.Errorf("cannot choose from an empty sequence")
		}
		return items[rand.Intn(len(items))], nil
	},
}

var jsonModule = map[string]any{
	"dumps": func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
	"loads": func(s string) (any, error) {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, err
		}
		return v, nil
	},
}

var datetimeModule = map[string]any{
	"now":    func() time.Time { return time.Now() },
	"utcnow": func() time.Time { return time.Now().UTC() },
}

var timeModule = map[string]any{
	"time": func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
}

var reModule = map[string]any{
	"match": func(pattern, s string) (bool, error) {
		re, err := regexp.Compile("^(?:" + pattern + ")")
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	},
	"search": func(pattern, s string) (bool, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(s), nil
	},
	"findall": func(pattern, s string) ([]string, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		out := re.FindAllString(s, -1)
		if out == nil {
			out = []string{}
		}
		return out, nil
	},
	"sub": func(pattern, repl, s string) (string, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", err
		}
		return re.ReplaceAllString(s, repl), nil
	},
}

// Builtins is the flat function set in scope for every statement without any
// import: the numeric vocabulary sheets lean on constantly. Expr's own
// builtins (abs, min, max, round, len, sum, map, filter) stay enabled on
// top of these.
func Builtins() map[string]any {
	return map[string]any{
		"pi":      math.Pi,
		"sqrt":    math.Sqrt,
		"sin":     math.Sin,
		"cos":     math.Cos,
		"tan":     math.Tan,
		"asin":    math.Asin,
		"acos":    math.Acos,
		"atan":    math.Atan,
		"atan2":   math.Atan2,
		"log":     math.Log,
		"log10":   math.Log10,
		"exp":     math.Exp,
		"pow":     math.Pow,
		"hypot":   math.Hypot,
		"degrees": func(rad float64) float64 { return rad * 180 / math.Pi },
		"radians": func(deg float64) float64 { return deg * math.Pi / 180 },
	}
}

// AllowedImports returns the allow-list sorted, for logs and diagnostics.
func (a *Allowlist) AllowedImports() []string {
	out := make([]string, 0, len(a.allowed))
	for m := range a.allowed {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
