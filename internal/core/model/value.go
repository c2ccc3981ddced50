package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Attributes maps attribute names to a scalar (string, float64, bool) or an
// ordered list of scalars ([]any).
type Attributes map[string]any

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		if list, ok := v.([]any); ok {
			out[k] = append([]any(nil), list...)
			continue
		}
		out[k] = v
	}
	return out
}

// Has reports whether name carries a non-empty value.
func (a Attributes) Has(name string) bool {
	v, ok := a[name]
	if !ok {
		return false
	}
	_, ok = NormalizeValue(v)
	return ok
}

// NormalizeValue converts v to the canonical attribute representation.
// Numbers become float64, lists become []any with blank elements dropped, strings are
// trimmed. It returns false for nil, blank or unsupported values.
func NormalizeValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case []any:
		out := make([]any, 0, len(t))
		for _, el := range t {
			if s, ok := normalizeScalar(el); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	case []string:
		out := make([]any, 0, len(t))
		for _, el := range t {
			if s, ok := normalizeScalar(el); ok {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	default:
		return normalizeScalar(v)
	}
}

func normalizeScalar(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case bool:
		return t, true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f, true
		}
		return t.String(), true
	default:
		return nil, false
	}
}

// IsList reports whether v is a list value.
func IsList(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	}
	return false
}

// ToList wraps scalars into a single-element list and normalizes lists.
func ToList(v any) []any {
	n, ok := NormalizeValue(v)
	if !ok {
		return nil
	}
	if list, ok := n.([]any); ok {
		return list
	}
	return []any{n}
}

// ValueKey returns a type-qualified identity for a scalar, used for uniqueness checks.
func ValueKey(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case float64:
		return "n:" + strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return "b:" + strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%T:%v", v, v)
	}
}

// AppendUnique returns existing followed by every incoming element not already present,
// keeping first-seen order.
func AppendUnique(existing []any, incoming []any) []any {
	out := make([]any, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, list := range [][]any{existing, incoming} {
		for _, v := range list {
			k := ValueKey(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// AppendUniqueStrings is AppendUnique for string sets such as sources and permissions.
func AppendUniqueStrings(existing []string, incoming ...string) []string {
	out := make([]string, 0, len(existing)+len(incoming))
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, s := range list {
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// ScalarString renders a scalar for matching and keys.
func ScalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Fold returns the comparison form of a scalar: trimmed and Unicode case-folded.
// A cases.Caser is stateful, so one is built per call.
func Fold(v any) string {
	return cases.Fold().String(strings.TrimSpace(ScalarString(v)))
}

// FoldAll folds every element of v (a scalar or a list) and drops blanks.
func FoldAll(v any) []string {
	list := ToList(v)
	out := make([]string, 0, len(list))
	for _, el := range list {
		if f := Fold(el); f != "" {
			out = append(out, f)
		}
	}
	return out
}
