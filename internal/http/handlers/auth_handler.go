package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/domain"
)

// SignInRequest carries credentials. TenantCode is omitted by super admins.
type SignInRequest struct {
	Email      string `json:"email" binding:"required" example:"admin@acme.test"`
	Password   string `json:"password" binding:"required" example:"s3cret!"`
	TenantCode string `json:"tenant_code" example:"acme"`
}

// UserView is the public shape of a user.
type UserView struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	Name       *string `json:"name"`
	Role       string  `json:"role" example:"admin"`
	TenantID   *string `json:"tenant_id"`
	TenantCode string  `json:"tenant_code,omitempty"`
	TenantName string  `json:"tenant_name,omitempty"`
}

// SignInResponse is a bearer token and the signed-in user.
type SignInResponse struct {
	AccessToken string   `json:"access_token"`
	TokenType   string   `json:"token_type" example:"Bearer"`
	ExpiresIn   int64    `json:"expires_in" example:"86400"`
	User        UserView `json:"user"`
}

func userView(u *domain.User, t *domain.Tenant) UserView {
	v := UserView{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, TenantID: u.TenantID}
	if t == nil {
		t = u.Tenant
	}
	if t != nil {
		v.TenantCode, v.TenantName = t.Code, t.Name
	}
	return v
}

// SignIn godoc
// @ID          signIn
// @Summary     Sign in
// @Description Without tenant_code only super admins may sign in. With a code the user must belong to that tenant.
// @Tags        Auth
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.SignInRequest  true  "Credentials"
// @Success     200  {object} handlers.SignInResponse
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     401  {object} handlers.ErrorResponse "invalid_credentials"
// @Router      /auth/signin [post]
func (h *Handlers) SignIn(c *gin.Context) {
	var req SignInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email and password required")
		return
	}
	res, err := h.authSvc.SignIn(c.Request.Context(), req.Email, req.Password, req.TenantCode)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, SignInResponse{
		AccessToken: res.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(res.ExpiresIn.Seconds()),
		User:        userView(res.User, res.Tenant),
	})
}
