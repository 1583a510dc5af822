package diagram

import (
	"context"

	"github.com/goccy/go-graphviz"

	"github.com/rendis/cadence/pkg/schema"
)

// Format is an output format accepted by Render.
type Format string

const (
	FormatASCII   Format = "ascii"
	FormatMermaid Format = "mermaid"
	FormatPNG     Format = "png"
	FormatSVG     Format = "svg"
)

// ContentType returns the MIME type of the rendered output.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatSVG:
		return "image/svg+xml"
	}
	return "text/plain; charset=utf-8"
}

// Render renders model in format f.
func Render(ctx context.Context, model *Model, f Format) ([]byte, error) {
	switch f {
	case FormatASCII, "":
		return []byte(RenderASCII(model)), nil
	case FormatMermaid:
		return []byte(RenderMermaid(model)), nil
	case FormatPNG:
		return RenderImage(ctx, model, graphviz.PNG)
	case FormatSVG:
		return RenderImage(ctx, model, graphviz.SVG)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q (want ascii, mermaid, png or svg)", f)
}
