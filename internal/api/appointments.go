package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mesikahq/medvault/internal/auth"
	"github.com/mesikahq/medvault/internal/domain"
)

type bookRequest struct {
	DoctorID  string    `json:"doctor_id" binding:"required"`
	StartTime time.Time `json:"start_time" binding:"required"`
	EndTime   time.Time `json:"end_time" binding:"required"`
}

func (h *Handler) BookAppointment(c *gin.Context) {
	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "doctor_id, start_time and end_time (RFC 3339) are required")
		return
	}

	appt, err := h.Appointments.Book(c.Request.Context(), req.DoctorID, auth.UserID(c), req.StartTime, req.EndTime)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, appt)
}

func (h *Handler) ListAppointments(c *gin.Context) {
	appts, err := h.Appointments.ListFor(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if appts == nil {
		appts = []domain.Appointment{}
	}
	c.JSON(http.StatusOK, gin.H{"appointments": appts})
}

func (h *Handler) CompleteAppointment(c *gin.Context) {
	if err := h.Appointments.Complete(c.Request.Context(), auth.UserID(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": domain.AppointmentCompleted})
}

func (h *Handler) CancelAppointment(c *gin.Context) {
	if err := h.Appointments.Cancel(c.Request.Context(), auth.UserID(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": domain.AppointmentCancelled})
}
