package domain

import "strings"

// Transformation is a textual, invertible, one-placeholder SQL expression
// transform. OtherToLocal converts the "other" side (a local DataField or a
// remote Information, depending on context) into the local Information;
// LocalToOther is the stored inverse. ReplaceFrom is the placeholder token
// replaced by the target expression, e.g. "{v}".
//
// Transformations are not required to be bijective: lossy casts are allowed
// and the administrator owns correctness. Composition is purely textual and
// does not attempt to detect collisions between ReplaceFrom tokens and literal
// occurrences in the expression body.
type Transformation struct {
	OtherToLocal string `json:"other_to_local_info" yaml:"other_to_local_info"`
	LocalToOther string `json:"local_info_to_other" yaml:"local_info_to_other"`
	ReplaceFrom  string `json:"replace_from" yaml:"replace_from"`
}

// IdentityTransformation returns the neutral element of composition.
func IdentityTransformation() Transformation {
	return Transformation{OtherToLocal: "{v}", LocalToOther: "{v}", ReplaceFrom: "{v}"}
}

// Apply substitutes expr for the placeholder in the other→local direction.
func (t Transformation) Apply(expr string) string {
	return strings.ReplaceAll(t.OtherToLocal, t.ReplaceFrom, expr)
}

// ApplyInverse substitutes expr for the placeholder in the local→other
// direction.
func (t Transformation) ApplyInverse(expr string) string {
	return strings.ReplaceAll(t.LocalToOther, t.ReplaceFrom, expr)
}

// Invert swaps the two directions. The placeholder token is unchanged.
func (t Transformation) Invert() Transformation {
	return Transformation{
		OtherToLocal: t.LocalToOther,
		LocalToOther: t.OtherToLocal,
		ReplaceFrom:  t.ReplaceFrom,
	}
}

// Compose returns h = g∘f: given f as X→Y and g as Y→Z, the result maps X→Z
// (and Z→X via the inverse direction). The inner expression is parenthesized
// to preserve arithmetic precedence across nesting. The resulting placeholder
// is g's ReplaceFrom.
//
// For all f, g, x: Apply(Compose(f,g), x) is equivalent to g.Apply(f.Apply(x))
// up to the inserted parentheses.
func (t Transformation) Compose(other Transformation) Transformation {
	otherToLocal := strings.ReplaceAll(
		other.OtherToLocal,
		other.ReplaceFrom,
		"("+t.OtherToLocal+")",
	)
	otherToLocal = strings.ReplaceAll(otherToLocal, t.ReplaceFrom, other.ReplaceFrom)

	localToOther := strings.ReplaceAll(
		t.LocalToOther,
		t.ReplaceFrom,
		"("+other.LocalToOther+")",
	)
	localToOther = strings.ReplaceAll(localToOther, t.ReplaceFrom, other.ReplaceFrom)

	return Transformation{
		OtherToLocal: otherToLocal,
		LocalToOther: localToOther,
		ReplaceFrom:  other.ReplaceFrom,
	}
}

// IsIdentity reports whether applying t leaves expressions unchanged.
func (t Transformation) IsIdentity() bool {
	return t.OtherToLocal == t.ReplaceFrom && t.LocalToOther == t.ReplaceFrom
}
