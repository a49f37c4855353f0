package scale

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/psiclinic/api/internal/platform/auth"
	"github.com/psiclinic/api/internal/platform/middleware"
)

// ListCacheControl lets shared caches hold the active list a little longer
// than browsers.
const ListCacheControl = "public, max-age=300, s-maxage=600, stale-while-revalidate=60"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RolePsychologist, auth.RolePatient))
	read.GET("/scales", h.ListActive)
	read.GET("/scales/:id", h.Get)

	write := api.Group("", auth.RequireRole(auth.RolePsychologist))
	write.POST("/scales", h.Create)
}

func (h *Handler) ListActive(c echo.Context) error {
	items, err := h.svc.ListActive(c.Request().Context())
	if err != nil {
		return middleware.StoreError(c, err, "failed to list scales")
	}
	c.Response().Header().Set("Cache-Control", ListCacheControl)
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	item, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return middleware.StoreError(c, err, "failed to get scale")
	}
	if item == nil {
		return echo.NewHTTPError(http.StatusNotFound, "scale not found")
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) Create(c echo.Context) error {
	var sc Scale
	if err := c.Bind(&sc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &sc); err != nil {
		if errors.Is(err, ErrInvalid) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return middleware.StoreError(c, err, "failed to create scale")
	}
	return c.JSON(http.StatusCreated, sc)
}
