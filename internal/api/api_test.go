package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mesikahq/medvault/internal/access"
	"github.com/mesikahq/medvault/internal/audit"
	"github.com/mesikahq/medvault/internal/auth"
	"github.com/mesikahq/medvault/internal/blob"
	"github.com/mesikahq/medvault/internal/custodian"
	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/encryption"
	"github.com/mesikahq/medvault/internal/geofence"
	"github.com/mesikahq/medvault/internal/ledger"
	"github.com/mesikahq/medvault/internal/monitoring"
	"github.com/mesikahq/medvault/internal/otp"
	"github.com/mesikahq/medvault/internal/repository"
	"github.com/mesikahq/medvault/internal/scheduling"
)

var (
	hospital = geofence.Fence{Lat: 12.9716, Lng: 77.5946, RadiusMeters: 500}
	clock    = time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
)

type codeBox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (b *codeBox) SendCode(ctx context.Context, phone, code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codes[phone] = code
	return nil
}

func (b *codeBox) get(phone string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.codes[phone]
}

type server struct {
	t      *testing.T
	router *gin.Engine
	repo   *repository.Memory
	blobs  *blob.MemoryStore
	codes  *codeBox
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	logger := zap.NewNop()

	repo := repository.NewMemory()
	l, err := ledger.New(ctx, ledger.NewMemoryStore(), logger)
	require.NoError(t, err)

	otpCfg := otp.DefaultConfig()
	otpCfg.IssueRate = 0
	codes := &codeBox{codes: map[string]string{}}
	authSvc := auth.NewService(repo, otp.NewAuthenticator(otp.NewMemoryStore(), l, otpCfg, logger),
		codes, l, nil, logger, auth.AuthServiceConfig{JWTSecret: "api-test"})

	crypto, err := encryption.NewService(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	blobs := blob.NewMemoryStore()
	metrics := monitoring.NewMetrics()

	quiet := logrus.New()
	quiet.SetOutput(&bytes.Buffer{})

	accessLogs := audit.NewWriter(repo, audit.NewService(nil, quiet), logger)

	handler := NewHandler(Services{
		Auth:         authSvc,
		Records:      custodian.New(crypto, blobs, repo, l, logger, custodian.WithMetrics(metrics)),
		Access:       access.NewEngine(hospital, accessLogs, repo, l, logger, access.WithClock(func() time.Time { return clock })),
		Appointments: scheduling.NewService(repo, l, metrics, logger),
		Ledger:       l,
		AccessLog:    accessLogs,
	}, logger, 1<<20)

	router := NewRouter(handler, authSvc, metrics, RouterConfig{
		RateLimit:     rate.Inf,
		AuthRateLimit: rate.Inf,
	}).SetupRouter(logger)

	return &server{t: t, router: router, repo: repo, blobs: blobs, codes: codes}
}

func (s *server) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) upload(token, category, mimeType string, content []byte) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(s.t, mw.WriteField("category", category))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="report.pdf"`)
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	require.NoError(s.t, err)
	_, err = part.Write(content)
	require.NoError(s.t, err)
	require.NoError(s.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/records/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// login registers through the HTTP surface and returns (user id, token).
func (s *server) login(path, phone string, body map[string]string) (string, string) {
	s.t.Helper()
	body["phone"] = phone
	w := s.do(http.MethodPost, path, "", body)
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var reg struct {
		UserID string `json:"user_id"`
	}
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &reg))

	w = s.do(http.MethodPost, "/api/auth/verify", "", map[string]string{"phone": phone, "code": s.codes.get(phone)})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	var resp auth.LoginResponse
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return reg.UserID, resp.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func here() map[string]float64 { return map[string]float64{"lat": hospital.Lat, "lng": hospital.Lng} }

func TestRecordAccessFlow(t *testing.T) {
	s := newServer(t)
	content := []byte("%PDF-1.7 cardiology consult notes")

	patientID, patientToken := s.login("/api/auth/register/patient", "+911111111111", map[string]string{"name": "Asha"})
	doctorID, doctorToken := s.login("/api/auth/register/doctor", "+912222222222", map[string]string{
		"name": "Dr. Rao", "specialty": "CARDIOLOGY", "license_number": "KA-1", "hospital_id": "H-1",
	})

	w := s.upload(doctorToken, "CARDIOLOGY", "application/pdf", content)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.upload(patientToken, "cardiology", "application/pdf", content)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	recordID := decode(t, w)["id"].(string)
	assert.NotContains(t, w.Body.String(), "FileKey")

	accessPath := "/api/records/" + recordID + "/access"

	w = s.do(http.MethodPost, accessPath, doctorToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "location required", decode(t, w)["reason"])

	w = s.do(http.MethodPost, accessPath, doctorToken, here())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "no active appointment", decode(t, w)["reason"])

	w = s.do(http.MethodPost, "/api/appointments/book", patientToken, map[string]interface{}{
		"doctor_id":  doctorID,
		"start_time": clock.Add(-15 * time.Minute),
		"end_time":   clock.Add(15 * time.Minute),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/appointments/book", patientToken, map[string]interface{}{
		"doctor_id":  doctorID,
		"start_time": clock,
		"end_time":   clock.Add(30 * time.Minute),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "doctor busy", decode(t, w)["error"])

	w = s.do(http.MethodPost, accessPath, doctorToken, here())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, content, w.Body.Bytes())
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = s.do(http.MethodPost, accessPath, doctorToken, map[string]float64{"lat": hospital.Lat + 0.0054, "lng": hospital.Lng})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "outside hospital", decode(t, w)["reason"])

	w = s.do(http.MethodPost, accessPath, patientToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.Bytes())

	// Every attempt above left exactly one access log entry.
	assert.Len(t, s.repo.AccessLogs(), 5)
	assert.Len(t, s.repo.LocationLogs(), 3)

	w = s.do(http.MethodGet, "/api/records", doctorToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodGet, "/api/records?patient_id="+patientID, doctorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 1)

	w = s.do(http.MethodGet, "/api/ledger/verify", doctorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["valid"])

	w = s.do(http.MethodGet, "/api/ledger?from=0&limit=2", patientToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["count"])
}

func TestTamperedRecordIsIntegrityFailure(t *testing.T) {
	s := newServer(t)
	_, token := s.login("/api/auth/register/patient", "+913333333333", map[string]string{"name": "Ravi"})

	w := s.upload(token, "GENERAL", "text/plain", []byte("blood panel: normal"))
	require.Equal(t, http.StatusCreated, w.Code)
	recordID := decode(t, w)["id"].(string)

	rec, err := s.repo.GetRecord(context.Background(), recordID)
	require.NoError(t, err)
	ciphertext, err := s.blobs.Get(context.Background(), rec.FileKey)
	require.NoError(t, err)
	ciphertext[0] ^= 0x01
	s.blobs.Overwrite(rec.FileKey, ciphertext)

	w = s.do(http.MethodPost, "/api/records/"+recordID+"/access", token, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "integrity check failed", decode(t, w)["error"])
}

func TestEmergencyAccess(t *testing.T) {
	s := newServer(t)
	_, patientToken := s.login("/api/auth/register/patient", "+914444444444", map[string]string{"name": "Meera"})
	_, doctorToken := s.login("/api/auth/register/doctor", "+915555555555", map[string]string{
		"name": "Dr. Iyer", "specialty": "RADIOLOGY", "license_number": "KA-2", "hospital_id": "H-1",
	})

	w := s.upload(patientToken, "PATHOLOGY", "text/plain", []byte("biopsy"))
	require.Equal(t, http.StatusCreated, w.Code)
	recordID := decode(t, w)["id"].(string)
	path := "/api/records/" + recordID

	w = s.do(http.MethodPost, path+"/emergency-access", doctorToken, here())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "emergency access not enabled", decode(t, w)["reason"])

	w = s.do(http.MethodPut, path+"/emergency", doctorToken, map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPut, path+"/emergency", patientToken, map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(http.MethodPost, path+"/emergency-access", doctorToken, here())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "biopsy", w.Body.String())

	w = s.do(http.MethodPost, path+"/emergency-access", patientToken, here())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "role not permitted", decode(t, w)["reason"])

	// Without a search cluster the log is read from the repository.
	w = s.do(http.MethodGet, path+"/access-log", patientToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Entries []domain.AccessLogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 3)
	for _, e := range body.Entries {
		assert.Equal(t, recordID, e.RecordID)
		assert.Equal(t, domain.ActionEmergencyAccess, e.Action)
	}

	w = s.do(http.MethodGet, path+"/access-log", doctorToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthEndpoints(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"phone": "+910000000000"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/api/auth/register/doctor", "", map[string]string{"name": "X", "phone": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/auth/register/doctor", "", map[string]string{
		"name": "X", "phone": "1", "specialty": "ASTROLOGY", "license_number": "L", "hospital_id": "H",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, token := s.login("/api/auth/register/patient", "+916666666666", map[string]string{"name": "Kiran"})

	w = s.do(http.MethodPost, "/api/auth/register/patient", "", map[string]string{"name": "Dup", "phone": "+916666666666"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, "/api/auth/verify", "", map[string]string{"phone": "+916666666666", "code": "000000x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/api/auth/login", "", map[string]string{"phone": "+916666666666"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/auth/profile", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PATIENT", decode(t, w)["role"])

	w = s.do(http.MethodGet, "/api/appointments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(http.MethodGet, "/api/appointments", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/nothing", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "medvault_http_requests_total")
}

func TestAppointmentLifecycle(t *testing.T) {
	s := newServer(t)
	patientID, patientToken := s.login("/api/auth/register/patient", "+917777777777", map[string]string{"name": "Anu"})
	doctorID, doctorToken := s.login("/api/auth/register/doctor", "+918888888888", map[string]string{
		"name": "Dr. Das", "specialty": "GENERAL", "license_number": "KA-3", "hospital_id": "H-1",
	})

	w := s.do(http.MethodPost, "/api/appointments/book", patientToken, map[string]interface{}{
		"doctor_id": patientID, "start_time": clock, "end_time": clock.Add(time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/appointments/book", patientToken, map[string]interface{}{
		"doctor_id": doctorID, "start_time": clock, "end_time": clock.Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/appointments/book", doctorToken, map[string]interface{}{
		"doctor_id": doctorID, "start_time": clock, "end_time": clock.Add(time.Hour),
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(http.MethodPost, "/api/appointments/book", patientToken, map[string]interface{}{
		"doctor_id": doctorID, "start_time": clock, "end_time": clock.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	apptID := decode(t, w)["id"].(string)

	for _, token := range []string{patientToken, doctorToken} {
		w = s.do(http.MethodGet, "/api/appointments", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode(t, w)["appointments"], 1)
	}

	w = s.do(http.MethodPost, "/api/appointments/"+apptID+"/complete", patientToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(http.MethodPost, "/api/appointments/"+apptID+"/complete", doctorToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodPost, "/api/appointments/"+apptID+"/cancel", patientToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPost, "/api/appointments/missing/cancel", patientToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	status, msg := statusFor(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error", msg)
}
