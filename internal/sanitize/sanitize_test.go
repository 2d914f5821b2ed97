package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text untouched", in: "entropy always increases", want: "entropy always increases"},
		{name: "script stripped", in: `hello<script>alert(1)</script>`, want: "hello"},
		{name: "link kept", in: `see <a href="https://example.com">this</a>`, want: `see <a href="https://example.com">this</a>`},
		{name: "image kept", in: `<img src="https://example.com/x.png" alt="x">`, want: `<img src="https://example.com/x.png" alt="x">`},
		{name: "event handler stripped", in: `<a href="https://example.com" onclick="evil()">x</a>`, want: `<a href="https://example.com">x</a>`},
		{name: "javascript scheme stripped", in: `<a href="javascript:evil()">x</a>`, want: `x`},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}
