package review

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/platform/apperr"
	"github.com/carebridge/carebridge/internal/platform/auth"
	"github.com/carebridge/carebridge/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the review endpoints under /admin and /superadmin.
// authMW must authenticate the caller; role checks are applied per route.
func (h *Handler) RegisterRoutes(api *echo.Group, authMW echo.MiddlewareFunc) {
	adminOnly := auth.RequireRole(string(account.RoleAdmin))
	admin := api.Group("/admin", authMW)
	admin.PATCH("/doctorAccept/:id", h.ApproveDoctor, adminOnly)
	admin.PATCH("/doctorReject/:id", h.RejectDoctor, adminOnly)
	admin.PATCH("/doctorRevision/:id", h.RequestDoctorRevision, adminOnly)
	admin.PATCH("/doctorsToggle/:id", h.ToggleDoctorActive, adminOnly)
	admin.PATCH("/reapply/:id", h.ReapplyDoctor,
		auth.RequireRole(string(account.RoleAdmin), string(account.RoleDoctor)))
	admin.GET("/doctors", h.ListDoctors, adminOnly)
	admin.GET("/doctors/:id", h.GetDoctor, adminOnly)

	superOnly := auth.RequireRole(string(account.RoleSuperAdmin))
	super := api.Group("/superadmin", authMW)
	super.PATCH("/hospitalStatus/:id/:status", h.SetHospitalStatus, superOnly)
	super.PATCH("/setActive", h.SetHospitalActive, superOnly)
	super.PATCH("/reapply/:id", h.ReapplyHospital,
		auth.RequireRole(string(account.RoleSuperAdmin), string(account.RoleAdmin)))
	super.GET("/hospitals", h.ListHospitals, superOnly)
	super.GET("/hospitals/:id", h.GetHospital, superOnly)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// -- Doctors --

func (h *Handler) ApproveDoctor(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	acc, err := h.svc.ApproveDoctor(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "doctor approved", acc)
}

func (h *Handler) RejectDoctor(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	acc, err := h.svc.RejectDoctor(c.Request().Context(), id, req.Reason)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "doctor rejected", acc)
}

func (h *Handler) RequestDoctorRevision(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	acc, err := h.svc.RequestDoctorRevision(c.Request().Context(), id, req.Reason)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "revision requested", acc)
}

func (h *Handler) ToggleDoctorActive(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	acc, err := h.svc.ToggleDoctorActive(c.Request().Context(), id)
	if err != nil {
		return err
	}
	msg := "doctor deactivated"
	if acc.IsActive {
		msg = "doctor activated"
	}
	return apperr.JSON(c, http.StatusOK, msg, acc)
}

func (h *Handler) ReapplyDoctor(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	acc, err := h.svc.ReapplyDoctor(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "application resubmitted", acc)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	acc, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "doctor", acc)
}

func (h *Handler) ListDoctors(c echo.Context) error {
	return h.list(c, "doctors", h.svc.ListDoctors)
}

// -- Hospitals --

func (h *Handler) SetHospitalStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	acc, err := h.svc.SetHospitalStatus(c.Request().Context(), id, c.Param("status"), req.Reason)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "hospital status updated", acc)
}

type setActiveRequest struct {
	ID       string `json:"id"`
	IsActive *bool  `json:"isActive"`
}

func (h *Handler) SetHospitalActive(c echo.Context) error {
	var req setActiveRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("malformed request body")
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return apperr.Validation("id must be a valid UUID")
	}
	if req.IsActive == nil {
		return apperr.Validation("isActive is required")
	}
	acc, err := h.svc.SetHospitalActive(c.Request().Context(), id, *req.IsActive)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "hospital updated", acc)
}

func (h *Handler) ReapplyHospital(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	acc, err := h.svc.ReapplyHospital(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "application resubmitted", acc)
}

func (h *Handler) GetHospital(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	acc, err := h.svc.GetHospital(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, "hospital", acc)
}

func (h *Handler) ListHospitals(c echo.Context) error {
	return h.list(c, "hospitals", h.svc.ListHospitals)
}

// -- helpers --

func (h *Handler) list(c echo.Context, what string, fn func(context.Context, ListFilter) ([]*account.Account, int, error)) error {
	p := pagination.FromContext(c)
	f := ListFilter{
		Status: c.QueryParam("status"),
		Search: c.QueryParam("search"),
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	if kyc := c.QueryParam("kyc"); kyc != "" {
		v, err := strconv.ParseBool(kyc)
		if err != nil {
			return apperr.Validation("kyc must be true or false")
		}
		f.KYCQueue = v
	}
	items, total, err := fn(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return apperr.JSON(c, http.StatusOK, what, pagination.NewResponse(items, total, p))
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("id must be a valid UUID")
	}
	return id, nil
}

func actorFrom(c echo.Context) (Actor, error) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return Actor{}, apperr.InvalidToken()
	}
	role, err := account.ParseRole(p.Role)
	if err != nil {
		return Actor{}, apperr.InvalidToken()
	}
	// A malformed subject id simply matches no account.
	id, _ := uuid.Parse(p.UserID)
	return Actor{ID: id, Role: role}, nil
}
