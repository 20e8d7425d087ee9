package query

import (
	"strings"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// Getter reads one field of the row under evaluation.
type Getter func(field string) types.Value

// Eval evaluates a filter tree against a row. Comparisons against null are
// false (three-valued logic collapsed to boolean, the way the surface
// languages expect); is_null/is_not_null test nullness explicitly.
func Eval(f *Filter, get Getter) (bool, error) {
	if f == nil {
		return true, nil
	}
	switch f.Op {
	case OpAnd:
		for _, c := range f.Children {
			ok, err := Eval(c, get)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, c := range f.Children {
			ok, err := Eval(c, get)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(f.Children) != 1 {
			return false, types.Validation("", "", "not takes exactly one child")
		}
		ok, err := Eval(f.Children[0], get)
		return !ok, err
	case OpIsNull:
		return get(f.Field).IsNull(), nil
	case OpIsNotNull:
		return !get(f.Field).IsNull(), nil
	}

	v := get(f.Field)
	switch f.Op {
	case OpEq:
		return !v.IsNull() && types.Equal(v, f.Value), nil
	case OpNe:
		return !v.IsNull() && !types.Equal(v, f.Value), nil
	case OpLt, OpLe, OpGt, OpGe:
		if v.IsNull() || f.Value.IsNull() {
			return false, nil
		}
		cmp := types.Compare(v, f.Value)
		switch f.Op {
		case OpLt:
			return cmp < 0, nil
		case OpLe:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpIn:
		if v.IsNull() {
			return false, nil
		}
		for _, cand := range f.Values {
			if types.Equal(v, cand) {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		if v.IsNull() {
			return false, nil
		}
		for _, cand := range f.Values {
			if types.Equal(v, cand) {
				return false, nil
			}
		}
		return true, nil
	case OpLike:
		return !v.IsNull() && matchLike(f.Value.Str(), v.Str()), nil
	case OpILike:
		return !v.IsNull() && matchLike(strings.ToLower(f.Value.Str()), strings.ToLower(v.Str())), nil
	}
	return false, types.Validation("", f.Field, "unknown filter op "+string(f.Op))
}

// matchLike implements SQL LIKE: % matches any run, _ matches one rune.
// Two-pointer matching with backtracking on the last %.
func matchLike(pattern, s string) bool {
	p, r := []rune(pattern), []rune(s)
	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(r) {
		switch {
		case pi < len(p) && (p[pi] == '_' || p[pi] == r[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '%':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}

// fieldsOf collects the field names a filter references.
func fieldsOf(f *Filter, out map[string]struct{}) {
	if f == nil {
		return
	}
	if f.Field != "" {
		out[f.Field] = struct{}{}
	}
	for _, c := range f.Children {
		fieldsOf(c, out)
	}
}

// prefixPattern extracts the literal prefix of a like pattern of the form
// "prefix%" (a single trailing wildcard, no other wildcards). Returns
// ("", false) for any other shape.
func prefixPattern(pattern string) (string, bool) {
	if len(pattern) < 2 || !strings.HasSuffix(pattern, "%") {
		return "", false
	}
	prefix := pattern[:len(pattern)-1]
	if strings.ContainsAny(prefix, "%_") {
		return "", false
	}
	return prefix, true
}
