package httpserver

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/academy/internal/apperr"
	"github.com/Skotchmaster/academy/internal/logging"
	"github.com/Skotchmaster/academy/internal/search"
	"github.com/Skotchmaster/academy/internal/service"
	"github.com/Skotchmaster/academy/internal/transport"
	"github.com/Skotchmaster/academy/internal/util"
)

type AdminHTTP struct {
	Svc *service.AuthService
}

func pageParams(c echo.Context) (page, size int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	size, _ = strconv.Atoi(c.QueryParam("size"))
	page = util.ClampPage(page)
	_, size = util.Calculate(page, size)
	return page, size
}

func (h *AdminHTTP) ListUsers(c echo.Context) error {
	page, size := pageParams(c)
	users, total, err := h.Svc.ListUsers(c.Request().Context(), page, size)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, transport.UserList{
		Success: true,
		Users:   transport.PublicUsers(users),
		Total:   total,
		Page:    page,
		Pages:   util.Pages(total, size),
	})
}

func (h *AdminHTTP) DeleteUser(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return apperr.WithMessage(apperr.ErrValidation, "Invalid user id")
	}
	if err := h.Svc.DeleteUser(ctx, uint(id)); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("admin_user_deleted", "user_id", id)
	return c.JSON(http.StatusOK, transport.Response{Success: true, Message: "User deleted"})
}

type searchResponse struct {
	Success bool             `json:"success"`
	Total   int64            `json:"total"`
	Page    int              `json:"page"`
	Users   []search.UserDoc `json:"users"`
}

// SearchUsers queries the user directory with ?q=.
func (h *AdminHTTP) SearchUsers(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return apperr.WithMessage(apperr.ErrValidation, "Missing required field: q")
	}
	page, size := pageParams(c)
	total, docs, err := h.Svc.SearchUsers(c.Request().Context(), q, page, size)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []search.UserDoc{}
	}
	return c.JSON(http.StatusOK, searchResponse{Success: true, Total: total, Page: page, Users: docs})
}
