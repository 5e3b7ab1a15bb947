// Administration handlers.
//
//   - GET  /super-admin/tenants   (super admin)
//   - POST /super-admin/tenants   (super admin; tenant + first admin)
//   - GET  /super-admin/users     (super admin)
//   - GET  /users                 (admin, super admin)
//   - POST /users                 (admin, super admin)
//
// Role checks happen in middleware; tenant scoping happens in AdminService.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-gateway/internal/domain"
	"github.com/tbourn/go-chat-gateway/internal/services"
)

// CreateTenantRequest provisions a tenant and its admin.
type CreateTenantRequest struct {
	Name          string `json:"name" binding:"required" example:"Acme Inc."`
	Code          string `json:"code" binding:"required" example:"acme"`
	CountryCode   string `json:"country_code" example:"JP"`
	AdminEmail    string `json:"admin_email" binding:"required" example:"admin@acme.test"`
	AdminName     string `json:"admin_name" example:"Alice"`
	AdminPassword string `json:"admin_password" binding:"required" example:"s3cret!"`
}

// CreateTenantResponse returns the new tenant and admin.
type CreateTenantResponse struct {
	Tenant domain.Tenant `json:"tenant"`
	Admin  UserView      `json:"admin"`
}

// CreateUserRequest creates a tenant user.
type CreateUserRequest struct {
	Email    string `json:"email" binding:"required" example:"bob@acme.test"`
	Name     string `json:"name" example:"Bob"`
	Password string `json:"password" binding:"required" example:"secret1"`
	Role     string `json:"role" example:"user"`
}

// TenantsResponse wraps a tenant list.
type TenantsResponse struct {
	Tenants []domain.Tenant `json:"tenants"`
}

// UsersResponse wraps a user list.
type UsersResponse struct {
	Users []UserView `json:"users"`
}

func userViews(us []domain.User) []UserView {
	out := make([]UserView, 0, len(us))
	for i := range us {
		out = append(out, userView(&us[i], nil))
	}
	return out
}

// ListTenants godoc
// @ID          listTenants
// @Summary     List tenants
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object} handlers.TenantsResponse
// @Failure     401  {object} handlers.ErrorResponse
// @Failure     403  {object} handlers.ErrorResponse
// @Router      /super-admin/tenants [get]
func (h *Handlers) ListTenants(c *gin.Context) {
	ts, err := h.adminSvc.ListTenants(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if ts == nil {
		ts = []domain.Tenant{}
	}
	ok(c, http.StatusOK, TenantsResponse{Tenants: ts})
}

// CreateTenant godoc
// @ID          createTenant
// @Summary     Create a tenant and its admin
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.CreateTenantRequest  true  "Tenant and admin"
// @Success     201  {object} handlers.CreateTenantResponse
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     409  {object} handlers.ErrorResponse "duplicate_tenant or duplicate_email"
// @Router      /super-admin/tenants [post]
func (h *Handlers) CreateTenant(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name, code, admin_email and admin_password required")
		return
	}
	t, admin, err := h.adminSvc.CreateTenant(c.Request.Context(), services.CreateTenantInput{
		Name:          req.Name,
		Code:          req.Code,
		CountryCode:   req.CountryCode,
		AdminEmail:    req.AdminEmail,
		AdminName:     req.AdminName,
		AdminPassword: req.AdminPassword,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, CreateTenantResponse{Tenant: *t, Admin: userView(admin, t)})
}

// ListAllUsers godoc
// @ID          listAllUsers
// @Summary     List every user
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object} handlers.UsersResponse
// @Router      /super-admin/users [get]
func (h *Handlers) ListAllUsers(c *gin.Context) {
	us, err := h.adminSvc.ListAllUsers(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, UsersResponse{Users: userViews(us)})
}

// ListUsers godoc
// @ID          listUsers
// @Summary     List users of the tenant
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Success     200  {object} handlers.UsersResponse
// @Failure     403  {object} handlers.ErrorResponse
// @Router      /users [get]
func (h *Handlers) ListUsers(c *gin.Context) {
	a, found := actor(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	us, err := h.adminSvc.ListTenantUsers(c.Request.Context(), a, tenantID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, UsersResponse{Users: userViews(us)})
}

// CreateUser godoc
// @ID          createUser
// @Summary     Create a user in the tenant
// @Description Admins create users in their own tenant. Super admins create them in the X-Tenant-ID tenant.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       X-Tenant-ID  header  string  true  "Tenant ID"
// @Param       body         body    handlers.CreateUserRequest  true  "User"
// @Success     201  {object} handlers.UserView
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     403  {object} handlers.ErrorResponse "tenant_mismatch"
// @Failure     404  {object} handlers.ErrorResponse "Tenant not found"
// @Failure     409  {object} handlers.ErrorResponse "duplicate_email"
// @Router      /users [post]
func (h *Handlers) CreateUser(c *gin.Context) {
	a, found := actor(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required")
		return
	}
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "email and password required")
		return
	}
	u, err := h.adminSvc.CreateUser(c.Request.Context(), a, tenantID(c), services.CreateUserInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, userView(u, nil))
}
