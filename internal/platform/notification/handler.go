package notification

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/psiclinic/api/internal/platform/auth"
	"github.com/psiclinic/api/pkg/pagination"
)

// Handler exposes notification operations over HTTP via Echo.
type Handler struct {
	notifier *Notifier
}

func NewHandler(n *Notifier) *Handler {
	return &Handler{notifier: n}
}

// RegisterRoutes registers all notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	ownOnly := auth.RequireSelf("recipientId", auth.RoleAdmin)
	g.GET("/notifications", h.HandleList, ownOnly)
	g.POST("/notifications/read-all", h.HandleMarkAllRead, ownOnly)
	g.POST("/notifications/:id/read", h.HandleMarkRead)
}

// recipient resolves the recipientId query parameter, defaulting to the
// authenticated user.
func recipient(c echo.Context) (uuid.UUID, error) {
	raw := c.QueryParam("recipientId")
	if raw == "" {
		raw = auth.UserIDFromContext(c.Request().Context())
	}
	if raw == "" {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "recipientId is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid recipientId")
	}
	return id, nil
}

// owner is the recipient a single-notification update is limited to. Admins
// are not limited.
func owner(c echo.Context) (uuid.UUID, error) {
	ctx := c.Request().Context()
	if auth.HasRole(ctx, auth.RoleAdmin) {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "caller has no notifications")
	}
	return id, nil
}

// HandleList handles GET /notifications?recipientId=...
func (h *Handler) HandleList(c echo.Context) error {
	rid, err := recipient(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.notifier.ListByRecipient(c.Request().Context(), rid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list notifications")
	}
	if items == nil {
		items = []*Notification{}
	}
	extra := url.Values{"recipientId": {rid.String()}}.Encode()
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path, extra))
}

// HandleMarkRead handles POST /notifications/:id/read.
func (h *Handler) HandleMarkRead(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rid, err := owner(c)
	if err != nil {
		return err
	}
	// another user's notification is reported as missing
	if err := h.notifier.MarkRead(c.Request().Context(), id, rid); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "notification not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to mark notification read")
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleMarkAllRead handles POST /notifications/read-all?recipientId=...
func (h *Handler) HandleMarkAllRead(c echo.Context) error {
	rid, err := recipient(c)
	if err != nil {
		return err
	}
	n, err := h.notifier.MarkAllRead(c.Request().Context(), rid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to mark notifications read")
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": n})
}
