package algebra

import (
	"sort"
	"sync"
)

// SymbolTable interns variable names. It is filled while the integral
// family is set up and is then used to parse coefficient text strictly, so
// a typo in an input file surfaces as ErrUnknownSymbol instead of silently
// becoming a new variable.
type SymbolTable struct {
	mu    sync.RWMutex
	names map[string]struct{}
	order []string
}

func NewSymbolTable(names ...string) *SymbolTable {
	t := &SymbolTable{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		t.Intern(n)
	}
	return t
}

// Intern adds name if absent and returns it as a variable expression.
func (t *SymbolTable) Intern(name string) Expr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.names[name]; !ok {
		t.names[name] = struct{}{}
		t.order = append(t.order, name)
	}
	return Var(name)
}

func (t *SymbolTable) Has(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.names[name]
	return ok
}

// Names returns the interned names in insertion order.
func (t *SymbolTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Parse parses text, rejecting identifiers that were never interned.
func (t *SymbolTable) Parse(text string) (Expr, error) {
	return parse(text, t.Has)
}

// Rules is an ordered substitution, kept as a slice so that it serializes
// deterministically.
type Rules []Rule

type Rule struct {
	Var   string `json:"var"`
	Value Expr   `json:"value"`
}

func (r Rules) Map() map[string]Expr {
	m := make(map[string]Expr, len(r))
	for _, rule := range r {
		m[rule.Var] = rule.Value
	}
	return m
}

// Sorted returns a copy of r ordered by variable name.
func (r Rules) Sorted() Rules {
	out := append(Rules(nil), r...)
	sort.Slice(out, func(i, j int) bool { return out[i].Var < out[j].Var })
	return out
}
