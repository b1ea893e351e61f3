package domain_test

import (
	"strings"
	"testing"

	"github.com/relaymesh/relay/internal/domain"
	"github.com/stretchr/testify/assert"
)

// stripGrouping removes parentheses and whitespace so composed expressions can
// be compared against sequential application, which differs only by the
// grouping inserted to preserve precedence.
func stripGrouping(s string) string {
	r := strings.NewReplacer("(", "", ")", "", " ", "")
	return r.Replace(s)
}

func TestTransformationApply(t *testing.T) {
	tr := domain.Transformation{
		OtherToLocal: "{v}/100",
		LocalToOther: "{v}*100",
		ReplaceFrom:  "{v}",
	}

	assert.Equal(t, "field.path/100", tr.Apply("field.path"))
	assert.Equal(t, "field.path*100", tr.ApplyInverse("field.path"))
}

func TestTransformationInvert(t *testing.T) {
	tr := domain.Transformation{
		OtherToLocal: "{v}/10",
		LocalToOther: "{v}*10",
		ReplaceFrom:  "{v}",
	}

	inv := tr.Invert()
	assert.Equal(t, "{v}*10", inv.OtherToLocal)
	assert.Equal(t, "{v}/10", inv.LocalToOther)
	assert.Equal(t, "{v}", inv.ReplaceFrom)
	assert.Equal(t, tr, inv.Invert())
}

func TestTransformationCompose(t *testing.T) {
	f := domain.Transformation{
		OtherToLocal: "{v}/100",
		LocalToOther: "{v}*100",
		ReplaceFrom:  "{v}",
	}
	g := domain.Transformation{
		OtherToLocal: "{v}*10",
		LocalToOther: "{v}/10",
		ReplaceFrom:  "{v}",
	}

	h := f.Compose(g)
	assert.Equal(t, "({v}/100)*10", h.OtherToLocal)
	assert.Equal(t, "({v}/10)*100", h.LocalToOther)
	assert.Equal(t, "{v}", h.ReplaceFrom)
}

func TestComposeMatchesSequentialApply(t *testing.T) {
	cases := []struct {
		name string
		f, g domain.Transformation
		x    string
	}{
		{
			name: "scale then offset",
			f:    domain.Transformation{OtherToLocal: "{v}/100", LocalToOther: "{v}*100", ReplaceFrom: "{v}"},
			g:    domain.Transformation{OtherToLocal: "{v}+5", LocalToOther: "{v}-5", ReplaceFrom: "{v}"},
			x:    "col_a",
		},
		{
			name: "distinct placeholder tokens",
			f:    domain.Transformation{OtherToLocal: "{x}*2", LocalToOther: "{x}/2", ReplaceFrom: "{x}"},
			g:    domain.Transformation{OtherToLocal: "cast({y} as double)", LocalToOther: "cast({y} as bigint)", ReplaceFrom: "{y}"},
			x:    "raw.value",
		},
		{
			name: "identity on the left",
			f:    domain.IdentityTransformation(),
			g:    domain.Transformation{OtherToLocal: "{v}/10", LocalToOther: "{v}*10", ReplaceFrom: "{v}"},
			x:    "field.path",
		},
		{
			name: "identity on the right",
			f:    domain.Transformation{OtherToLocal: "{v}/10", LocalToOther: "{v}*10", ReplaceFrom: "{v}"},
			g:    domain.IdentityTransformation(),
			x:    "field.path",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			composed := tc.f.Compose(tc.g).Apply(tc.x)
			sequential := tc.g.Apply(tc.f.Apply(tc.x))
			assert.Equal(t, stripGrouping(sequential), stripGrouping(composed))
		})
	}
}

func TestComposeAssociativeUpToGrouping(t *testing.T) {
	f := domain.Transformation{OtherToLocal: "{v}/100", LocalToOther: "{v}*100", ReplaceFrom: "{v}"}
	g := domain.Transformation{OtherToLocal: "{v}+1", LocalToOther: "{v}-1", ReplaceFrom: "{v}"}
	h := domain.Transformation{OtherToLocal: "{v}*3", LocalToOther: "{v}/3", ReplaceFrom: "{v}"}

	left := f.Compose(g).Compose(h).Apply("x")
	right := f.Compose(g.Compose(h)).Apply("x")
	assert.Equal(t, stripGrouping(left), stripGrouping(right))
}

func TestIdentityTransformation(t *testing.T) {
	id := domain.IdentityTransformation()
	assert.True(t, id.IsIdentity())
	assert.Equal(t, "anything", id.Apply("anything"))

	tr := domain.Transformation{OtherToLocal: "{v}/10", LocalToOther: "{v}*10", ReplaceFrom: "{v}"}
	assert.False(t, tr.IsIdentity())

	// Composing a transformation with its inverse reduces to identity once
	// grouping is stripped.
	roundTrip := tr.Compose(tr.Invert())
	assert.Equal(t, stripGrouping("x/10*10"), stripGrouping(roundTrip.Apply("x")))
}
