package render

import (
	"context"
	"testing"

	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile(t *testing.T) {
	c := NewCompiler()
	site := db.Site{Name: "Bakery"}
	page := db.Page{
		Slug:  "menu",
		Title: "Menu <today>",
		Body:  "# Breads\n\nFresh **sourdough**.\n\n| item | price |\n|---|---|\n| loaf | 5 |\n\n<script>alert(1)</script>\n",
		CSS:   "body { color: brown; }",
		JS:    "console.log('menu')",
	}

	out, err := c.Compile(context.Background(), site, page)
	require.NoError(t, err)

	assert.Contains(t, out.HTML, `<h1 id="breads">Breads</h1>`)
	assert.Contains(t, out.HTML, "<strong>sourdough</strong>")
	assert.Contains(t, out.HTML, "<table>")
	assert.Contains(t, out.HTML, "<title>Menu &lt;today&gt; | Bakery</title>")
	assert.Contains(t, out.HTML, `<link rel="stylesheet" href="styles.css">`)
	assert.NotContains(t, out.HTML, "<script>alert(1)</script>")
	assert.Equal(t, page.CSS, out.CSS)
	assert.Equal(t, page.JS, out.JS)
}

func TestCompileCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCompiler().Compile(ctx, db.Site{}, db.Page{})
	assert.ErrorIs(t, err, context.Canceled)
}
