package interaction

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medsafe/medsafe/internal/platform/auth"
	"github.com/medsafe/medsafe/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "physician", "pharmacist"))
	g.POST("/interactions/check", h.CheckInteractions)
	g.GET("/alerts", h.ListAlerts)
}

type checkPayload struct {
	PatientProfileID    uuid.UUID       `json:"patient_profile_id"`
	PatientContext      PatientContext  `json:"patient_context"`
	ExistingMedications []MedicationRef `json:"existing_medications"`
	NewMedication       MedicationRef   `json:"new_medication"`
}

func (h *Handler) CheckInteractions(c echo.Context) error {
	var payload checkPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	result, err := h.svc.CheckInteractions(ctx, CheckRequest{
		UserID:           auth.UserIDFromContext(ctx),
		PatientProfileID: payload.PatientProfileID,
		Patient:          payload.PatientContext,
		Existing:         payload.ExistingMedications,
		NewMedication:    payload.NewMedication,
	})
	if err != nil {
		if errors.Is(err, ErrPrecondition) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "interaction check failed")
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListAlerts(c echo.Context) error {
	patientProfileID, err := uuid.Parse(c.QueryParam("patient_profile_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_profile_id")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAlerts(c.Request().Context(), patientProfileID, pg.Limit, pg.Offset)
	if err != nil {
		if errors.Is(err, ErrPrecondition) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*InteractionAlert{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
