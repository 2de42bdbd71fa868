package classify

import (
	"fmt"
	"sort"
	"strings"
)

// Class is a compiled, named predicate plus the options it contributes when
// it matches, per spec.md §4.2.
type Class struct {
	Name       string
	Expression string
	Options    map[uint32]string
	node       Node
	deps       []string
	// idx is this class's position in the configured ClassDef slice, used
	// only to break ties between classes with no dependency relationship to
	// each other so topoSort's output is deterministic.
	idx int
}

// Registry holds every configured class, topologically ordered by their
// member('x') dependencies so that by the time a class evaluates, every
// class it depends on has already been evaluated against the same Facts.
//
// Grounded on the distilled source's own two-pass class resolution
// (`client-classification`'s dependency-ordered evaluation), reimplemented
// here with Kahn's algorithm, the way pkg/pipeline orders plugins.
type Registry struct {
	order   []*Class
	byName  map[string]*Class
}

// NewRegistry compiles and orders the given class definitions. A reference
// to an undefined class, or a dependency cycle, is a Config error and
// aborts startup per spec.md §7.
func NewRegistry(defs []ClassDef) (*Registry, error) {
	byName := make(map[string]*Class, len(defs))
	for i, d := range defs {
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate class name %q", d.Name)
		}
		node, err := Parse(d.Expression)
		if err != nil {
			return nil, fmt.Errorf("class %q: %w", d.Name, err)
		}
		c := &Class{
			Name:       d.Name,
			Expression: d.Expression,
			Options:    d.Options,
			node:       node,
			deps:       collectMemberDeps(node),
			idx:        i,
		}
		byName[d.Name] = c
	}

	for _, c := range byName {
		for _, dep := range c.deps {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("class %q references undefined class %q", c.Name, dep)
			}
		}
	}

	order, err := topoSort(byName)
	if err != nil {
		return nil, err
	}

	return &Registry{order: order, byName: byName}, nil
}

// ClassDef is the input shape NewRegistry compiles from — deliberately
// decoupled from pkg/config so classify has no import-cycle back to it.
type ClassDef struct {
	Name       string
	Expression string
	Options    map[uint32]string
}

// memberFacts wraps a caller-supplied Facts and additionally answers
// Member() from the running match set built up during Evaluate.
type memberFacts struct {
	Facts
	matched map[string]bool
}

func (m memberFacts) Member(class string) (bool, error) {
	return m.matched[class], nil
}

// Evaluate runs every registered class against f in dependency order and
// returns the names of the classes that matched, in that same order.
func (r *Registry) Evaluate(f Facts) ([]string, error) {
	mf := memberFacts{Facts: f, matched: make(map[string]bool, len(r.order))}
	var matched []string
	for _, c := range r.order {
		v, err := c.node.Eval(mf)
		if err != nil {
			return nil, fmt.Errorf("class %q: %w", c.Name, err)
		}
		ok, err := v.AsBool()
		if err != nil {
			return nil, fmt.Errorf("class %q: expression did not evaluate to bool: %w", c.Name, err)
		}
		mf.matched[c.Name] = ok
		if ok {
			matched = append(matched, c.Name)
		}
	}
	return matched, nil
}

// Get returns the compiled class by name, or nil.
func (r *Registry) Get(name string) *Class {
	return r.byName[name]
}

// collectMemberDeps walks the AST collecting every member('x') reference.
func collectMemberDeps(n Node) []string {
	var deps []string
	var walk func(Node)
	walk = func(n Node) {
		switch t := n.(type) {
		case memberCall:
			deps = append(deps, t.class)
		case notExpr:
			walk(t.x)
		case binExpr:
			walk(t.l)
			walk(t.r)
		case funcCall:
			for _, a := range t.args {
				walk(a)
			}
		}
	}
	walk(n)
	return deps
}

// topoSort orders classes by Kahn's algorithm: a class with no unresolved
// member() dependency is emitted first. Among classes that are ready at the
// same time — i.e. have no dependency relationship to each other — the one
// declared earliest goes first, so that Evaluate's output order (and thus
// mergeOptions' union precedence, per spec.md §9) is deterministic across
// runs instead of following Go's randomized map iteration. A remaining
// cycle is a Config error, not a runtime failure, per spec.md §7's
// fail-fast-at-startup rule.
func topoSort(byName map[string]*Class) ([]*Class, error) {
	indegree := make(map[string]int, len(byName))
	dependents := make(map[string][]string, len(byName))
	for name, c := range byName {
		indegree[name] += 0
		for _, dep := range c.deps {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	byIdx := func(names []string) {
		sort.Slice(names, func(i, j int) bool { return byName[names[i]].idx < byName[names[j]].idx })
	}

	var ready []string
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	byIdx(ready)

	var order []*Class
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, byName[name])

		var newlyReady []string
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		if len(newlyReady) > 0 {
			ready = append(ready, newlyReady...)
			byIdx(ready)
		}
	}

	if len(order) != len(byName) {
		var stuck []string
		for name, d := range indegree {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("classifier dependency cycle among classes: %s", strings.Join(stuck, ", "))
	}

	return order, nil
}
