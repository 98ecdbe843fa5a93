package server

import (
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/internal/quota"
	"github.com/mohammad-safakhou/rebuttal/internal/runtime"
)

type GuestHandler struct {
	Ledger       *quota.Ledger
	Secret       []byte
	TTL          time.Duration
	SecureCookie bool
	Clock        quartz.Clock
}

func (h *GuestHandler) Register(g *echo.Group) {
	g.POST("/guest", h.mint)
}

// Guest token
//
//	@Summary		Mint a guest identity
//	@Description	Returns a JWT marked as guest in the cookie and the body
//	@Tags			auth
//	@Produce		json
//	@Success		200	{object}	GuestTokenResponse
//	@Failure		429	{object}	LimitError
//	@Router			/api/auth/guest [post]
func (h *GuestHandler) mint(c echo.Context) error {
	if _, err := h.Ledger.CheckRequest(c.Request().Context(), apperr.ScopeIP, c.RealIP()); err != nil {
		return err
	}
	owner := "guest_" + uuid.NewString()
	signed, err := runtime.SignJWT(owner, true, h.Secret, h.TTL)
	if err != nil {
		return err
	}
	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = signed
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	cookie.Secure = h.SecureCookie
	cookie.MaxAge = int(h.TTL.Seconds())
	c.SetCookie(cookie)
	return c.JSON(http.StatusOK, GuestTokenResponse{
		Token:     signed,
		OwnerID:   owner,
		ExpiresAt: h.Clock.Now().Add(h.TTL).UTC(),
	})
}
