package application

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/psiclinic/api/internal/domain/scale"
	"github.com/psiclinic/api/internal/platform/auth"
	"github.com/psiclinic/api/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/scales/applications")

	read := g.Group("", auth.RequireRole(auth.RolePsychologist, auth.RolePatient))
	read.GET("/patient", h.ListForPatient, auth.RequireSelf("patientId", auth.RolePsychologist))
	read.GET("/:id", h.Get)
	read.POST("/:id/responses", h.Submit)

	clinician := g.Group("", auth.RequireRole(auth.RolePsychologist))
	clinician.GET("/psychologist", h.ListForPsychologist, auth.RequireSelf("psychologistId"))
	clinician.POST("", h.Assign)

	admin := g.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/sweep", h.Sweep)
}

// AssignRequest is the body of POST /scales/applications. PsychologistID
// defaults to the caller.
type AssignRequest struct {
	PsychologistID uuid.UUID `json:"psychologist_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ScaleID        uuid.UUID `json:"scale_id"`
	DueDate        time.Time `json:"due_date"`
}

type SubmitRequest struct {
	Responses scale.Responses `json:"responses"`
}

func (h *Handler) Assign(c echo.Context) error {
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PsychologistID == uuid.Nil {
		caller, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "psychologist_id is required")
		}
		req.PsychologistID = caller
	}
	a, err := h.svc.Assign(c.Request().Context(), req.PsychologistID, req.PatientID, req.ScaleID, req.DueDate)
	if err != nil {
		return mapError(c, err, "failed to assign scale")
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return mapError(c, err, "failed to get scale application")
	}
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scale application not found")
	}
	if err := checkOwner(c, d.Application); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListForPatient(c echo.Context) error {
	return h.list(c, RolePatient, "patientId")
}

func (h *Handler) ListForPsychologist(c echo.Context) error {
	return h.list(c, RolePsychologist, "psychologistId")
}

func (h *Handler) list(c echo.Context, role, param string) error {
	raw := c.QueryParam(param)
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, param+" is required")
	}
	owner, err := uuid.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
	}
	items, err := h.svc.ListFor(c.Request().Context(), role, owner)
	if err != nil {
		return mapError(c, err, "failed to list scale applications")
	}
	return c.JSON(http.StatusOK, items)
}

// Submit checks that every position of the scale was answered with an
// allowed value before handing the responses to the service.
func (h *Handler) Submit(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	d, err := h.svc.GetByID(ctx, id)
	if err != nil {
		return mapError(c, err, "failed to load scale application")
	}
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scale application not found")
	}
	if err := checkOwner(c, d.Application); err != nil {
		return err
	}
	if d.Status != StatusPending {
		return echo.NewHTTPError(http.StatusConflict, ErrNotPending.Error())
	}
	if d.Scale == nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrScaleUnavailable.Error())
	}
	if err := scale.CheckComplete(d.Scale, req.Responses); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.svc.Submit(ctx, id, req.Responses); err != nil {
		return mapError(c, err, "failed to submit responses")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Sweep(c echo.Context) error {
	ids, err := h.svc.SweepExpired(c.Request().Context(), h.svc.clock.Now())
	if err != nil {
		return mapError(c, err, "failed to sweep expired applications")
	}
	return c.JSON(http.StatusOK, map[string][]uuid.UUID{"expired": ids})
}

// checkOwner lets psychologists through and restricts everyone else to
// their own applications.
func checkOwner(c echo.Context, a *Application) error {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, auth.RolePsychologist) {
		return nil
	}
	if auth.UserIDFromContext(ctx) == a.PatientID.String() {
		return nil
	}
	return echo.NewHTTPError(http.StatusForbidden, "scale application belongs to another patient")
}

func mapError(c echo.Context, err error, msg string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "scale application not found")
	case errors.Is(err, ErrNotPending):
		return echo.NewHTTPError(http.StatusConflict, ErrNotPending.Error())
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrScaleUnavailable):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return middleware.StoreError(c, err, msg)
}
