package classify

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// evalSubstring implements substring(s, start, len|'all'), the way the
// distilled source's ToHex/slice postfixes let a class expression narrow in
// on a fixed-width sub-field of an option (e.g. the vendor-class prefix).
func evalSubstring(f Facts, args []Node) (Value, error) {
	if len(args) != 3 {
		return Value{}, fmt.Errorf("substring: expected 3 arguments, got %d", len(args))
	}
	sv, err := args[0].Eval(f)
	if err != nil {
		return Value{}, err
	}
	s, err := sv.AsBytes()
	if err != nil {
		return Value{}, fmt.Errorf("substring: %w", err)
	}
	startV, err := args[1].Eval(f)
	if err != nil {
		return Value{}, err
	}
	start, err := startV.AsInt()
	if err != nil {
		return Value{}, fmt.Errorf("substring: start: %w", err)
	}
	if start < 0 || int(start) > len(s) {
		return Value{}, fmt.Errorf("substring: start %d out of range for length %d", start, len(s))
	}

	lenNode := args[2]
	if id, ok := lenNode.(fieldRef); ok && strings.EqualFold(id.name, "all") {
		return BytesValue(s[start:]), nil
	}
	lenV, err := lenNode.Eval(f)
	if err != nil {
		return Value{}, err
	}
	if lenV.Kind == KindString && strings.EqualFold(lenV.Str, "all") {
		return BytesValue(s[start:]), nil
	}
	n, err := lenV.AsInt()
	if err != nil {
		return Value{}, fmt.Errorf("substring: len: %w", err)
	}
	end := int(start) + int(n)
	if n < 0 || end > len(s) {
		return Value{}, fmt.Errorf("substring: range [%d:%d] out of bounds for length %d", start, end, len(s))
	}
	return BytesValue(s[start:end]), nil
}

func evalConcat(f Facts, args []Node) (Value, error) {
	var sb strings.Builder
	for _, a := range args {
		v, err := a.Eval(f)
		if err != nil {
			return Value{}, err
		}
		s, err := v.AsString()
		if err != nil {
			return Value{}, fmt.Errorf("concat: %w", err)
		}
		sb.WriteString(s)
	}
	return StrValue(sb.String()), nil
}

// evalSplit implements split(s, sep, index): break s on sep and return the
// index-th field (0-based), matching the vendor-class-id "V-I-O" idiom.
func evalSplit(f Facts, args []Node) (Value, error) {
	if len(args) != 3 {
		return Value{}, fmt.Errorf("split: expected 3 arguments, got %d", len(args))
	}
	sv, err := args[0].Eval(f)
	if err != nil {
		return Value{}, err
	}
	s, err := sv.AsString()
	if err != nil {
		return Value{}, fmt.Errorf("split: %w", err)
	}
	sepV, err := args[1].Eval(f)
	if err != nil {
		return Value{}, err
	}
	sep, err := sepV.AsString()
	if err != nil {
		return Value{}, fmt.Errorf("split: sep: %w", err)
	}
	idxV, err := args[2].Eval(f)
	if err != nil {
		return Value{}, err
	}
	idx, err := idxV.AsInt()
	if err != nil {
		return Value{}, fmt.Errorf("split: index: %w", err)
	}
	parts := strings.Split(s, sep)
	if idx < 0 || int(idx) >= len(parts) {
		return Value{}, fmt.Errorf("split: index %d out of range for %d fields", idx, len(parts))
	}
	return StrValue(parts[idx]), nil
}

// evalHexstring implements hexstring(bytes, sep), rendering raw option or
// hardware-address bytes as a separated hex string (e.g. "aa:bb:cc").
func evalHexstring(f Facts, args []Node) (Value, error) {
	if len(args) != 2 {
		return Value{}, fmt.Errorf("hexstring: expected 2 arguments, got %d", len(args))
	}
	bv, err := args[0].Eval(f)
	if err != nil {
		return Value{}, err
	}
	b, err := bv.AsBytes()
	if err != nil {
		return Value{}, fmt.Errorf("hexstring: %w", err)
	}
	sepV, err := args[1].Eval(f)
	if err != nil {
		return Value{}, err
	}
	sep, err := sepV.AsString()
	if err != nil {
		return Value{}, fmt.Errorf("hexstring: sep: %w", err)
	}
	parts := make([]string, len(b))
	for i, by := range b {
		parts[i] = hex.EncodeToString([]byte{by})
	}
	return StrValue(strings.Join(parts, sep)), nil
}

func evalIfelse(f Facts, args []Node) (Value, error) {
	if len(args) != 3 {
		return Value{}, fmt.Errorf("ifelse: expected 3 arguments, got %d", len(args))
	}
	cv, err := args[0].Eval(f)
	if err != nil {
		return Value{}, err
	}
	cond, err := cv.AsBool()
	if err != nil {
		return Value{}, fmt.Errorf("ifelse: condition: %w", err)
	}
	if cond {
		return args[1].Eval(f)
	}
	return args[2].Eval(f)
}

// evalExists implements exists(field-or-option): true when the referenced
// field/option resolved to a non-empty value.
func evalExists(f Facts, args []Node) (Value, error) {
	if len(args) != 1 {
		return Value{}, fmt.Errorf("exists: expected 1 argument, got %d", len(args))
	}
	v, err := args[0].Eval(f)
	if err != nil {
		return Value{}, err
	}
	return BoolValue(v.Kind != KindEmpty), nil
}

func (v Value) AsInt() (int64, error) {
	switch v.Kind {
	case KindInt:
		return v.Int, nil
	case KindString:
		n, err := strconv.ParseInt(v.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected int, got string %q", v.Str)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected int, got %s", v.Kind)
	}
}
