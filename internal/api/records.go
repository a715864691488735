package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/access"
	"github.com/mesikahq/medvault/internal/auth"
	"github.com/mesikahq/medvault/internal/domain"
)

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type emergencySettingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) UploadRecord(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		badRequest(c, "file is required")
		return
	}
	category := domain.Specialty(strings.ToUpper(strings.TrimSpace(c.PostForm("category"))))

	f, err := fh.Open()
	if err != nil {
		badRequest(c, "unreadable file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		badRequest(c, "unreadable file")
		return
	}

	record, err := h.Records.Store(c.Request.Context(), auth.UserID(c), category, data, fh.Header.Get("Content-Type"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, record)
}

// ListRecords returns metadata only. Patients see their own records;
// doctors name the patient with ?patient_id=.
func (h *Handler) ListRecords(c *gin.Context) {
	ownerID := auth.UserID(c)
	if auth.Role(c) == domain.RoleDoctor {
		ownerID = c.Query("patient_id")
		if ownerID == "" {
			badRequest(c, "patient_id is required")
			return
		}
	}

	records, err := h.Records.ListByOwner(c.Request.Context(), ownerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []domain.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) AccessRecord(c *gin.Context) {
	h.serveRecord(c, false)
}

func (h *Handler) EmergencyAccessRecord(c *gin.Context) {
	h.serveRecord(c, true)
}

// serveRecord runs the access decision and, when allowed, streams the
// decrypted file with its stored MIME type.
func (h *Handler) serveRecord(c *gin.Context, emergency bool) {
	ctx := c.Request.Context()

	accessCtx, ok := bindLocation(c)
	if !ok {
		return
	}

	actor, err := h.actor(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	record, err := h.Records.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	evaluate := h.Access.Evaluate
	if emergency {
		evaluate = h.Access.EvaluateEmergency
	}
	decision, err := evaluate(ctx, actor, record, accessCtx)
	if err != nil {
		if !errors.Is(err, access.ErrAuditIncomplete) {
			h.fail(c, err)
			return
		}
		h.logger.Error("access decision audit incomplete",
			zap.String("record_id", record.ID),
			zap.String("actor_id", actor.ActorID()),
			zap.Error(err))
	}
	if !decision.Allow {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied", "reason": decision.Reason})
		return
	}

	plaintext, err := h.Records.Open(ctx, record)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.ID))
	c.Header("X-Record-Hash", record.Hash)
	c.Data(http.StatusOK, record.MimeType, plaintext)
}

// bindLocation reads optional coordinates. An empty body means no location.
func bindLocation(c *gin.Context) (access.Context, bool) {
	var req locationRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			badRequest(c, "body must be {\"lat\": number, \"lng\": number}")
			return access.Context{}, false
		}
	}

	var out access.Context
	switch {
	case req.Lat != nil && req.Lng != nil:
		out.Location = &access.Location{Lat: *req.Lat, Lng: *req.Lng}
	case req.Lat != nil || req.Lng != nil:
		badRequest(c, "lat and lng must be given together")
		return access.Context{}, false
	}
	return out, true
}

func (h *Handler) SetEmergencyAccess(c *gin.Context) {
	var req emergencySettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "enabled is required")
		return
	}

	err := h.Records.SetEmergencyAccessible(c.Request.Context(), auth.UserID(c), c.Param("id"), *req.Enabled)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "emergency_accessible": *req.Enabled})
}

// RecordAccessLog lets an owner see who tried to read a record.
func (h *Handler) RecordAccessLog(c *gin.Context) {
	ctx := c.Request.Context()
	record, err := h.Records.Get(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if record.OwnerID != auth.UserID(c) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	from, err := queryInt(c, "from", 0)
	if err != nil || from < 0 {
		badRequest(c, "from must be a non-negative integer")
		return
	}
	size, err := queryInt(c, "size", 50)
	if err != nil || size <= 0 {
		badRequest(c, "size must be a positive integer")
		return
	}

	entries, err := h.AccessLog.QueryRecordAccess(ctx, record.ID, from, min(size, 200))
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []domain.AccessLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
