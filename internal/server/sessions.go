package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/internal/runtime"
	"github.com/mohammad-safakhou/rebuttal/models"
)

type SessionsHandler struct {
	Sessions SessionStore
}

func (h *SessionsHandler) Register(g *echo.Group, identity runtime.IdentityResolver) {
	g.GET("/sessions/:id", h.get, runtime.RequireIdentity(identity))
}

// Get session
//
//	@Summary	Read one of the caller's sessions
//	@Tags		sessions
//	@Produce	json
//	@Param		id	path		string	true	"Session ID"
//	@Success	200	{object}	SessionResponse
//	@Failure	401	{object}	HTTPError
//	@Failure	404	{object}	HTTPError
//	@Router		/api/sessions/{id} [get]
func (h *SessionsHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	id, ok := runtime.IdentityFromContext(ctx)
	if !ok {
		return apperr.ErrAuthRequired
	}
	sess, found, err := h.Sessions.GetSession(ctx, c.Param("id"))
	if err != nil {
		return apperr.PersistenceFailure{Op: "load session", Err: err}
	}
	if !found || sess.OwnerID != id.OwnerID {
		return models.ErrSessionNotFound
	}
	turns := sess.Turns
	if turns == nil {
		turns = []models.Turn{}
	}
	return c.JSON(http.StatusOK, SessionResponse{
		ID:        sess.ID,
		Topic:     sess.Topic,
		Variant:   sess.Variant,
		Style:     sess.Style,
		Turns:     turns,
		UserTurns: sess.UserTurns(),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	})
}
