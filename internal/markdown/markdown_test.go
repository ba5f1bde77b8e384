package markdown

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ORD-123", `ORD\-123`},
		{"250 сомони.", `250 сомони\.`},
		{"a_b*c[d]", `a\_b\*c\[d\]`},
		{"без спецсимволов", "без спецсимволов"},
		{"", ""},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, Escape(tt.in))
	}
}
