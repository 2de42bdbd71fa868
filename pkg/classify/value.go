// Package classify implements the small typed expression language spec.md
// §4.2 describes for client classification: a closed grammar over packet
// header fields, options, packet metadata, and class membership, evaluated
// to a typed Value.
//
// No expression-engine library appears anywhere in the retrieved corpus
// (see DESIGN.md); the grammar is small and closed enough that a
// hand-written recursive-descent parser is the idiomatic choice, the way
// the distilled source (dora's client-classification crate) hand-rolls its
// own pratt parser rather than reaching for a general-purpose one.
package classify

import (
	"fmt"
	"net"
)

// Kind discriminates the dynamic type of a Value.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindString
	KindBytes
	KindIP
	// KindEmpty represents the absence of a field or option — comparisons
	// against it succeed only via existence checks or explicit equality.
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindIP:
		return "ip"
	default:
		return "empty"
	}
}

// Value is the tagged union every AST node evaluates to.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Str   string
	Bytes []byte
	IP    net.IP
}

func BoolValue(b bool) Value  { return Value{Kind: KindBool, Bool: b} }
func IntValue(i int64) Value  { return Value{Kind: KindInt, Int: i} }
func StrValue(s string) Value { return Value{Kind: KindString, Str: s} }
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }
func IPValue(ip net.IP) Value { return Value{Kind: KindIP, IP: ip} }
func EmptyValue() Value       { return Value{Kind: KindEmpty} }

func (v Value) AsBool() (bool, error) {
	if v.Kind != KindBool {
		return false, fmt.Errorf("expected bool, got %s", v.Kind)
	}
	return v.Bool, nil
}

// AsBytes coerces string/bytes/int representations to raw bytes, matching
// the source's ToHex postfix semantics.
func (v Value) AsBytes() ([]byte, error) {
	switch v.Kind {
	case KindBytes:
		return v.Bytes, nil
	case KindString:
		return []byte(v.Str), nil
	case KindInt:
		return []byte(fmt.Sprintf("%d", v.Int)), nil
	case KindIP:
		return v.IP, nil
	default:
		return nil, fmt.Errorf("cannot convert %s to bytes", v.Kind)
	}
}

func (v Value) AsString() (string, error) {
	switch v.Kind {
	case KindString:
		return v.Str, nil
	case KindBytes:
		return string(v.Bytes), nil
	case KindIP:
		return v.IP.String(), nil
	default:
		return "", fmt.Errorf("expected string, got %s", v.Kind)
	}
}

// Equal implements the source's union-typed equality: string compares
// against string or bytes, bytes compares against string or bytes, bool
// and int only compare against their own kind, and Empty is equal only to
// Empty.
func (v Value) Equal(other Value) (bool, error) {
	switch v.Kind {
	case KindString:
		switch other.Kind {
		case KindString:
			return v.Str == other.Str, nil
		case KindBytes:
			return v.Str == string(other.Bytes), nil
		default:
			return false, fmt.Errorf("cannot compare string to %s", other.Kind)
		}
	case KindBytes:
		switch other.Kind {
		case KindString:
			return string(v.Bytes) == other.Str, nil
		case KindBytes:
			return string(v.Bytes) == string(other.Bytes), nil
		default:
			return false, fmt.Errorf("cannot compare bytes to %s", other.Kind)
		}
	case KindBool:
		if other.Kind != KindBool {
			return false, fmt.Errorf("cannot compare bool to %s", other.Kind)
		}
		return v.Bool == other.Bool, nil
	case KindInt:
		if other.Kind != KindInt {
			return false, fmt.Errorf("cannot compare int to %s", other.Kind)
		}
		return v.Int == other.Int, nil
	case KindIP:
		if other.Kind == KindIP {
			return v.IP.Equal(other.IP), nil
		}
		return false, fmt.Errorf("cannot compare ip to %s", other.Kind)
	default: // KindEmpty
		return other.Kind == KindEmpty, nil
	}
}
