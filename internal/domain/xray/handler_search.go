package xray

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/raddex/raddex/internal/platform/auth"
	"github.com/raddex/raddex/internal/platform/search"
	"github.com/raddex/raddex/pkg/pagination"
)

// SearchHandler exposes the ranked search surface: query, suggest, analytics,
// and the admin reindex trigger.
type SearchHandler struct {
	router *Router
	syncer *Syncer
}

func NewSearchHandler(router *Router, syncer *Syncer) *SearchHandler {
	return &SearchHandler{router: router, syncer: syncer}
}

func (h *SearchHandler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "radiologist", "technician", "viewer"))
	read.GET("/search", h.Search)
	read.GET("/search/suggest", h.Suggest)
	read.GET("/search/analytics", h.Analytics)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/search/reindex", h.Reindex)
}

func (h *SearchHandler) Search(c echo.Context) error {
	pg := pagination.FromContext(c)
	p := SearchParams{
		Query:       c.QueryParam("q"),
		BodyPart:    c.QueryParam("body_part"),
		Diagnosis:   c.QueryParam("diagnosis"),
		Institution: c.QueryParam("institution"),
		PatientID:   c.QueryParam("patient_id"),
		OrderBy:     c.QueryParam("ordering"),
		Limit:       pg.Limit,
		Offset:      pg.Offset,
	}
	if tags := c.QueryParam("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.Tags = append(p.Tags, t)
			}
		}
	}
	p.ScanFrom = parseDateParam(c, "scan_from")
	p.ScanTo = parseDateParam(c, "scan_to")

	resp, err := h.router.Search(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// suggestableFields is the whitelist of fields autocomplete runs over.
var suggestableFields = map[string]bool{
	"diagnosis":   true,
	"institution": true,
	"tags":        true,
}

func (h *SearchHandler) Suggest(c echo.Context) error {
	field := c.QueryParam("field")
	if field == "" {
		field = "diagnosis"
	}
	if !suggestableFields[field] {
		return echo.NewHTTPError(http.StatusBadRequest, "field must be one of diagnosis, institution, tags")
	}
	// text is the documented parameter; q is kept as an alias.
	text := c.QueryParam("text")
	if text == "" {
		text = c.QueryParam("q")
	}
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	suggestions, err := h.router.Suggest(c.Request().Context(), field, text)
	if err != nil {
		if errors.Is(err, search.ErrUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "search index unavailable")
		}
		return httpError(err)
	}
	out := make([]map[string]interface{}, 0, len(suggestions))
	for _, s := range suggestions {
		out = append(out, map[string]interface{}{"text": s.Text, "score": s.Score})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"field":       field,
		"suggestions": out,
	})
}

func (h *SearchHandler) Analytics(c echo.Context) error {
	aggs, err := h.router.Aggregates(c.Request().Context())
	if err != nil {
		if errors.Is(err, search.ErrUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "search index unavailable")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, aggs)
}

func (h *SearchHandler) Reindex(c echo.Context) error {
	if h.syncer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search index unavailable")
	}
	n, err := h.syncer.ReindexAll(c.Request().Context())
	if err != nil {
		if errors.Is(err, search.ErrUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "search index unavailable")
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"indexed": n,
		"drift":   h.syncer.Drift(),
	})
}
