package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r := New()
	testCases := []struct {
		name string
		src  string
		want []string
	}{
		{"paragraph", "hello *world*", []string{"<p>hello <em>world</em></p>"}},
		{"strikethrough", "~~gone~~", []string{"<del>gone</del>"}},
		{"linkify", "see https://example.com now", []string{`<a href="https://example.com">https://example.com</a>`}},
		{"table", "| a | b |\n|---|---|\n| 1 | 2 |", []string{"<table>", "<th>a</th>", "<td>2</td>"}},
		{"code", "```go\nfmt.Println(1)\n```", []string{`<pre><code class="language-go">`}},
		{"partial fence", "```\nunterminated", []string{"<pre><code>unterminated"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Render(tc.src)
			require.NoError(t, err)
			for _, w := range tc.want {
				assert.Contains(t, got, w)
			}
		})
	}
}

func TestRenderDropsRawHTML(t *testing.T) {
	got, err := New().Render("<script>alert(1)</script>\n\nok")
	require.NoError(t, err)
	assert.NotContains(t, got, "<script>")
	assert.Contains(t, got, "<p>ok</p>")
}

func TestRenderEmpty(t *testing.T) {
	got, err := New().Render("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRenderHeadingsHaveNoIDs(t *testing.T) {
	got, err := New().Render("# Summary\n\ntext")
	require.NoError(t, err)
	assert.Contains(t, got, "<h1>Summary</h1>")
}
