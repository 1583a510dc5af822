package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/cadence/internal/diagram"
	"github.com/rendis/cadence/internal/store"
	"github.com/rendis/cadence/pkg/schema"
)

// DefinitionDiagram renders a definition, optionally overlaid with one of
// its runs. format is ascii (default), mermaid, png or svg.
// (GET /api/v1/definitions/:code/diagram?format=&run=)
func (s *Server) DefinitionDiagram(c echo.Context) error {
	code := c.Param("code")
	if s.definitions == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", code)
	}
	def, ok := s.definitions.Definition(code)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", code)
	}

	var run *store.Run
	if id := c.QueryParam("run"); id != "" {
		r, err := s.engine.GetRun(c.Request().Context(), id)
		if err != nil {
			return err
		}
		run = r
	}

	model, err := diagram.Build(def, run)
	if err != nil {
		return err
	}
	format := diagram.Format(c.QueryParam("format"))
	out, err := diagram.Render(c.Request().Context(), model, format)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, format.ContentType(), out)
}
