package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/access"
	"github.com/mesikahq/medvault/internal/auth"
	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/ledger"
	"github.com/mesikahq/medvault/internal/scheduling"
)

type RecordVault interface {
	Store(ctx context.Context, ownerID string, category domain.Specialty, data []byte, mimeType string) (*domain.Record, error)
	Get(ctx context.Context, recordID string) (*domain.Record, error)
	Open(ctx context.Context, record *domain.Record) ([]byte, error)
	SetEmergencyAccessible(ctx context.Context, ownerID, recordID string, enabled bool) error
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Record, error)
}

type AccessDecider interface {
	Evaluate(ctx context.Context, actor domain.Actor, record *domain.Record, c access.Context) (access.Decision, error)
	EvaluateEmergency(ctx context.Context, actor domain.Actor, record *domain.Record, c access.Context) (access.Decision, error)
}

type LedgerReader interface {
	Blocks(ctx context.Context, from, limit int) ([]ledger.Block, error)
	Verify(ctx context.Context) (ledger.Report, error)
}

type AccessLogReader interface {
	QueryRecordAccess(ctx context.Context, recordID string, from, size int) ([]domain.AccessLogEntry, error)
}

// Services bundles the collaborators a Handler serves.
type Services struct {
	Auth         auth.Service
	Records      RecordVault
	Access       AccessDecider
	Appointments scheduling.Service
	Ledger       LedgerReader
	AccessLog    AccessLogReader
}

type Handler struct {
	Services
	logger         *zap.Logger
	maxUploadBytes int64
}

const defaultMaxUpload = 20 << 20

func NewHandler(services Services, logger *zap.Logger, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUpload
	}
	return &Handler{Services: services, logger: logger, maxUploadBytes: maxUploadBytes}
}

// actor loads the authenticated caller as a role-specific actor.
func (h *Handler) actor(c *gin.Context) (domain.Actor, error) {
	user, err := h.Auth.GetUser(c.Request.Context(), auth.UserID(c))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, err
	}
	return user.Actor()
}

func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Authentication

type registerPatientRequest struct {
	Name  string `json:"name" binding:"required"`
	Phone string `json:"phone" binding:"required"`
}

type registerDoctorRequest struct {
	Name          string `json:"name" binding:"required"`
	Phone         string `json:"phone" binding:"required"`
	Specialty     string `json:"specialty" binding:"required"`
	LicenseNumber string `json:"license_number" binding:"required"`
	HospitalID    string `json:"hospital_id" binding:"required"`
}

type loginRequest struct {
	Phone string `json:"phone" binding:"required"`
}

type verifyRequest struct {
	Phone string `json:"phone" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

func (h *Handler) RegisterPatient(c *gin.Context) {
	var req registerPatientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name and phone are required")
		return
	}

	user, err := h.Auth.RegisterPatient(c.Request.Context(), req.Name, req.Phone)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "patient registered, code sent", "user_id": user.ID})
}

func (h *Handler) RegisterDoctor(c *gin.Context) {
	var req registerDoctorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name, phone, specialty, license_number and hospital_id are required")
		return
	}

	user, err := h.Auth.RegisterDoctor(c.Request.Context(), auth.DoctorRegistration{
		Name:          req.Name,
		Phone:         req.Phone,
		Specialty:     req.Specialty,
		LicenseNumber: req.LicenseNumber,
		HospitalID:    req.HospitalID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "doctor registered, code sent", "user_id": user.ID})
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "phone is required")
		return
	}
	if err := h.Auth.Login(c.Request.Context(), req.Phone); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "code sent"})
}

func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "phone and code are required")
		return
	}
	resp, err := h.Auth.Verify(c.Request.Context(), req.Phone, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetProfile(c *gin.Context) {
	actor, err := h.actor(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": actor.Role(), "profile": actor})
}

// Ledger

func (h *Handler) ListBlocks(c *gin.Context) {
	from, err := queryInt(c, "from", 0)
	if err != nil || from < 0 {
		badRequest(c, "from must be a non-negative integer")
		return
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil || limit <= 0 {
		badRequest(c, "limit must be a positive integer")
		return
	}
	limit = min(limit, 500)

	blocks, err := h.Ledger.Blocks(c.Request.Context(), from, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "from": from, "count": len(blocks)})
}

func (h *Handler) VerifyLedger(c *gin.Context) {
	report, err := h.Ledger.Verify(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if !report.Valid {
		h.logger.Error("SECURITY ALERT: ledger chain invalid",
			zap.Int("first_invalid", report.FirstInvalid),
			zap.String("reason", report.Reason))
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
