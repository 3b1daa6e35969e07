package normalize_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/ledgerworks/payeeflow/pkg/normalize"
)

func TestName_Canonicalization(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Acme Widgets Inc.", "acme widgets"},
		{"  The   Home Depot, Inc ", "home depot"},
		{"BANK OF AMERICA", "bank of america"},
		{"O'Reilly Auto Parts, LLC", "o reilly auto parts"},
		{"Smith & Sons Ltd", "smith & sons"},
		{"A Better Plumbing Company", "better plumbing"},
		{"", ""},
		{"---", ""},
		{"The The", ""},
		{"Café René", "café rené"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, normalize.Name(c.in), "input %q", c.in)
	}
}

func TestName_Idempotent(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("Name(Name(x)) == Name(x)", prop.ForAll(
		func(s string) bool {
			once := normalize.Name(s)
			return normalize.Name(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("output never has leading/trailing or doubled spaces", prop.ForAll(
		func(s string) bool {
			out := normalize.Name(s)
			if out == "" {
				return true
			}
			return out[0] != ' ' && out[len(out)-1] != ' ' && !containsDouble(out)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func containsDouble(s string) bool {
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' && s[i-1] == ' ' {
			return true
		}
	}
	return false
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"bank", "of", "america"}, normalize.Tokens("Bank of America"))
	assert.Equal(t, []string{"bank", "of", "america", "n", "a"}, normalize.Tokens("Bank of America, N.A."))
	assert.Empty(t, normalize.Tokens("  "))
}
