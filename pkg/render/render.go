package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/acorn-io/acorn-publish/pkg/db"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

const (
	ContentTypeHTML = "text/html; charset=utf-8"
	ContentTypeCSS  = "text/css; charset=utf-8"
	ContentTypeJS   = "text/javascript; charset=utf-8"
)

// Output is one compiled page.
type Output struct {
	HTML string
	CSS  string
	JS   string
}

var document = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{ .Title }}{{ if .SiteName }} | {{ .SiteName }}{{ end }}</title>
<link rel="stylesheet" href="styles.css">
</head>
<body>
<main>
{{ .Content }}
</main>
<script src="script.js"></script>
</body>
</html>
`))

// Compiler turns a page's markdown body into a standalone HTML document
// with sibling styles.css and script.js files.
type Compiler struct {
	md goldmark.Markdown
}

func NewCompiler() *Compiler {
	return &Compiler{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
	}
}

func (c *Compiler) Compile(ctx context.Context, site db.Site, page db.Page) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	var body bytes.Buffer
	if err := c.md.Convert([]byte(page.Body), &body); err != nil {
		return Output{}, fmt.Errorf("page %s: %w", page.Slug, err)
	}

	var out bytes.Buffer
	err := document.Execute(&out, struct {
		Title    string
		SiteName string
		Content  template.HTML
	}{
		Title:    page.Title,
		SiteName: site.Name,
		// raw HTML in the markdown source is not rendered, so this is safe
		Content: template.HTML(body.String()),
	})
	if err != nil {
		return Output{}, fmt.Errorf("page %s: %w", page.Slug, err)
	}

	return Output{
		HTML: out.String(),
		CSS:  page.CSS,
		JS:   page.JS,
	}, nil
}
