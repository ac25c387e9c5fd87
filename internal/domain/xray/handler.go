package xray

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/raddex/raddex/internal/platform/auth"
	"github.com/raddex/raddex/pkg/pagination"
)

// Handler exposes the record and category API over echo.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the catalog routes. Reads are open to all clinical
// roles; writes require a role that can author records.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "radiologist", "technician", "viewer"))
	read.GET("/xrays", h.ListRecords)
	read.GET("/xrays/stats", h.Stats)
	read.GET("/xrays/body-parts", h.BodyParts)
	read.GET("/xrays/institutions", h.Institutions)
	read.GET("/xrays/diagnoses", h.Diagnoses)
	read.GET("/xrays/:id", h.GetRecord)
	read.GET("/categories", h.ListCategories)
	read.GET("/categories/:id", h.GetCategory)

	write := api.Group("", auth.RequireRole("admin", "radiologist", "technician"))
	write.POST("/xrays", h.CreateRecord)
	write.PUT("/xrays/:id", h.UpdateRecord)
	write.PATCH("/xrays/:id", h.PatchRecord)
	write.DELETE("/xrays/:id", h.DeleteRecord)
	write.POST("/categories", h.CreateCategory)
	write.PUT("/categories/:id", h.UpdateCategory)
	write.DELETE("/categories/:id", h.DeleteCategory)
}

// httpError maps domain errors onto HTTP statuses.
func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, ErrCategoryInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrReindexRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// recordInput is the write payload. Scan date arrives as YYYY-MM-DD.
type recordInput struct {
	PatientID   string   `json:"patient_id"`
	BodyPart    string   `json:"body_part"`
	ScanDate    string   `json:"scan_date"`
	Institution string   `json:"institution"`
	Description string   `json:"description"`
	Diagnosis   string   `json:"diagnosis"`
	Tags        []string `json:"tags"`
	ImageRef    string   `json:"image_ref"`
}

func (in *recordInput) toRecord() (*Record, error) {
	r := &Record{
		PatientID:   strings.TrimSpace(in.PatientID),
		BodyPart:    strings.TrimSpace(in.BodyPart),
		Institution: in.Institution,
		Description: in.Description,
		Diagnosis:   in.Diagnosis,
		Tags:        in.Tags,
		ImageRef:    in.ImageRef,
	}
	if in.ScanDate != "" {
		t, err := time.Parse("2006-01-02", in.ScanDate)
		if err != nil {
			return nil, &ValidationError{Field: "scan_date", Message: "must be YYYY-MM-DD"}
		}
		r.ScanDate = t
	}
	return r, nil
}

func (h *Handler) CreateRecord(c echo.Context) error {
	var in recordInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := in.toRecord()
	if err != nil {
		return httpError(err)
	}
	if err := h.svc.CreateRecord(c.Request().Context(), r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var in recordInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := in.toRecord()
	if err != nil {
		return httpError(err)
	}
	r.ID = id
	if err := h.svc.UpdateRecord(c.Request().Context(), r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// recordPatch is the partial-update payload. Nil fields were absent from the
// request body and keep their stored value.
type recordPatch struct {
	PatientID   *string   `json:"patient_id"`
	BodyPart    *string   `json:"body_part"`
	ScanDate    *string   `json:"scan_date"`
	Institution *string   `json:"institution"`
	Description *string   `json:"description"`
	Diagnosis   *string   `json:"diagnosis"`
	Tags        *[]string `json:"tags"`
	ImageRef    *string   `json:"image_ref"`
}

func (p *recordPatch) apply(r *Record) error {
	if p.PatientID != nil {
		r.PatientID = strings.TrimSpace(*p.PatientID)
	}
	if p.BodyPart != nil {
		r.BodyPart = strings.TrimSpace(*p.BodyPart)
	}
	if p.ScanDate != nil {
		t, err := time.Parse("2006-01-02", *p.ScanDate)
		if err != nil {
			return &ValidationError{Field: "scan_date", Message: "must be YYYY-MM-DD"}
		}
		r.ScanDate = t
	}
	if p.Institution != nil {
		r.Institution = *p.Institution
	}
	if p.Description != nil {
		r.Description = *p.Description
	}
	if p.Diagnosis != nil {
		r.Diagnosis = *p.Diagnosis
	}
	if p.Tags != nil {
		r.Tags = *p.Tags
	}
	if p.ImageRef != nil {
		r.ImageRef = *p.ImageRef
	}
	return nil
}

// PatchRecord merges the provided fields onto the stored record. PUT remains
// the full-replace path.
func (h *Handler) PatchRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var p recordPatch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if err := p.apply(r); err != nil {
		return httpError(err)
	}
	if err := h.svc.UpdateRecord(c.Request().Context(), r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteRecord(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// filterFromQuery builds the list filter from query parameters. Tags arrive
// comma separated and every tag must match.
func filterFromQuery(c echo.Context) Filter {
	f := Filter{
		Search:      c.QueryParam("search"),
		BodyPart:    c.QueryParam("body_part"),
		Diagnosis:   c.QueryParam("diagnosis"),
		Institution: c.QueryParam("institution"),
		PatientID:   c.QueryParam("patient_id"),
		Ordering:    c.QueryParam("ordering"),
	}
	if tags := c.QueryParam("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Tags = append(f.Tags, t)
			}
		}
	}
	f.ScanFrom = parseDateParam(c, "scan_from")
	f.ScanTo = parseDateParam(c, "scan_to")
	f.CreatedFrom = parseDateParam(c, "created_from")
	f.CreatedTo = parseDateParam(c, "created_to")
	return f
}

func parseDateParam(c echo.Context, name string) *time.Time {
	v := c.QueryParam(name)
	if v == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil
	}
	return &t
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := filterFromQuery(c)
	items, total, err := h.svc.ListRecords(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) BodyParts(c echo.Context) error {
	parts, err := h.svc.AvailableBodyParts(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"body_parts": parts})
}

func (h *Handler) Institutions(c echo.Context) error {
	items, err := h.svc.DistinctInstitutions(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"institutions": items})
}

func (h *Handler) Diagnoses(c echo.Context) error {
	items, err := h.svc.DistinctDiagnoses(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"diagnoses": items})
}

func (h *Handler) CreateCategory(c echo.Context) error {
	var cat Category
	if err := c.Bind(&cat); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateCategory(c.Request().Context(), &cat); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cat)
}

func (h *Handler) GetCategory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cat, err := h.svc.GetCategory(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cat)
}

func (h *Handler) UpdateCategory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var cat Category
	if err := c.Bind(&cat); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cat.ID = id
	if err := h.svc.UpdateCategory(c.Request().Context(), &cat); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cat)
}

func (h *Handler) DeleteCategory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteCategory(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListCategories(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"
	items, err := h.svc.ListCategories(c.Request().Context(), activeOnly)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Category{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"categories": items})
}
