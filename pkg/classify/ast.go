package classify

import "fmt"

// Node is any evaluable expression tree node.
type Node interface {
	Eval(f Facts) (Value, error)
}

// Facts is the collaborator an expression evaluates against: packet header
// fields, DHCP options, packet metadata (arrival interface, message type),
// and previously-computed class membership. pkg/dhcp4 and pkg/dhcp6 each
// supply their own Facts implementation.
type Facts interface {
	// Field resolves a bare identifier such as chaddr, giaddr, or iface.
	Field(name string) (Value, error)
	// Option resolves an option accessor, e.g. option(60) or option(82).
	Option(code uint32) (Value, error)
	// Member reports whether the named class already matched this request;
	// the registry's topological ordering guarantees the dependency has
	// already been evaluated.
	Member(class string) (bool, error)
}

type boolLit struct{ v bool }

func (n boolLit) Eval(Facts) (Value, error) { return BoolValue(n.v), nil }

type intLit struct{ v int64 }

func (n intLit) Eval(Facts) (Value, error) { return IntValue(n.v), nil }

type strLit struct{ v string }

func (n strLit) Eval(Facts) (Value, error) { return StrValue(n.v), nil }

type bytesLit struct{ v []byte }

func (n bytesLit) Eval(Facts) (Value, error) { return BytesValue(n.v), nil }

type ipLit struct{ v Value }

func (n ipLit) Eval(Facts) (Value, error) { return n.v, nil }

// fieldRef resolves a packet header field, e.g. `chaddr`, `giaddr`, `iface`.
type fieldRef struct{ name string }

func (n fieldRef) Eval(f Facts) (Value, error) { return f.Field(n.name) }

// optionRef resolves a DHCP option by numeric code, e.g. `option(60)`.
type optionRef struct{ code uint32 }

func (n optionRef) Eval(f Facts) (Value, error) { return f.Option(n.code) }

type memberCall struct{ class string }

func (n memberCall) Eval(f Facts) (Value, error) {
	ok, err := f.Member(n.class)
	if err != nil {
		return Value{}, err
	}
	return BoolValue(ok), nil
}

type notExpr struct{ x Node }

func (n notExpr) Eval(f Facts) (Value, error) {
	v, err := n.x.Eval(f)
	if err != nil {
		return Value{}, err
	}
	b, err := v.AsBool()
	if err != nil {
		return Value{}, fmt.Errorf("not: %w", err)
	}
	return BoolValue(!b), nil
}

type binOp int

const (
	opEq binOp = iota
	opNeq
	opAnd
	opOr
)

type binExpr struct {
	op   binOp
	l, r Node
}

func (n binExpr) Eval(f Facts) (Value, error) {
	switch n.op {
	case opAnd:
		lv, err := n.l.Eval(f)
		if err != nil {
			return Value{}, err
		}
		lb, err := lv.AsBool()
		if err != nil {
			return Value{}, fmt.Errorf("&&: %w", err)
		}
		if !lb {
			return BoolValue(false), nil
		}
		rv, err := n.r.Eval(f)
		if err != nil {
			return Value{}, err
		}
		rb, err := rv.AsBool()
		if err != nil {
			return Value{}, fmt.Errorf("&&: %w", err)
		}
		return BoolValue(rb), nil

	case opOr:
		lv, err := n.l.Eval(f)
		if err != nil {
			return Value{}, err
		}
		lb, err := lv.AsBool()
		if err != nil {
			return Value{}, fmt.Errorf("||: %w", err)
		}
		if lb {
			return BoolValue(true), nil
		}
		rv, err := n.r.Eval(f)
		if err != nil {
			return Value{}, err
		}
		rb, err := rv.AsBool()
		if err != nil {
			return Value{}, fmt.Errorf("||: %w", err)
		}
		return BoolValue(rb), nil

	default: // opEq, opNeq
		lv, err := n.l.Eval(f)
		if err != nil {
			return Value{}, err
		}
		rv, err := n.r.Eval(f)
		if err != nil {
			return Value{}, err
		}
		eq, err := lv.Equal(rv)
		if err != nil {
			return Value{}, err
		}
		if n.op == opNeq {
			eq = !eq
		}
		return BoolValue(eq), nil
	}
}

// funcCall dispatches to one of the closed set of built-in functions spec.md
// §4.2 names: substring, concat, split, hexstring, ifelse.
type funcCall struct {
	name string
	args []Node
}

func (n funcCall) Eval(f Facts) (Value, error) {
	switch n.name {
	case "substring":
		return evalSubstring(f, n.args)
	case "concat":
		return evalConcat(f, n.args)
	case "split":
		return evalSplit(f, n.args)
	case "hexstring":
		return evalHexstring(f, n.args)
	case "ifelse":
		return evalIfelse(f, n.args)
	case "exists":
		return evalExists(f, n.args)
	default:
		return Value{}, fmt.Errorf("unknown function %q", n.name)
	}
}
