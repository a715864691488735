package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/ledger"
	"github.com/mesikahq/medvault/internal/otp"
	"github.com/mesikahq/medvault/internal/repository"
)

type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (s *captureSender) SendCode(ctx context.Context, phone, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes == nil {
		s.codes = make(map[string]string)
	}
	s.codes[phone] = code
	return s.err
}

func (s *captureSender) last(phone string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[phone]
}

type fixture struct {
	svc    Service
	sender *captureSender
	ledger *ledger.Ledger
	repo   *repository.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := ledger.New(context.Background(), ledger.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)

	cfg := otp.DefaultConfig()
	cfg.IssueRate = 0
	repo := repository.NewMemory()
	codes := otp.NewAuthenticator(otp.NewMemoryStore(), l, cfg, zap.NewNop())
	sender := &captureSender{}

	svc := NewService(repo, codes, sender, l, nil, zap.NewNop(), AuthServiceConfig{JWTSecret: "test-secret"})
	return &fixture{svc: svc, sender: sender, ledger: l, repo: repo}
}

// tail returns the actions of the last n ledger blocks, oldest first.
func (f *fixture) tail(t *testing.T, n int) []ledger.Action {
	t.Helper()
	last := f.ledger.Last().Index
	blocks, err := f.ledger.Blocks(context.Background(), last-n+1, n)
	require.NoError(t, err)
	actions := make([]ledger.Action, len(blocks))
	for i, b := range blocks {
		actions[i] = b.Action
	}
	return actions
}

func TestRegisterPatientThenVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.RegisterPatient(ctx, "Asha", "+919800000001")
	require.NoError(t, err)
	assert.Equal(t, domain.RolePatient, user.Role)
	assert.Equal(t, []ledger.Action{ledger.ActionRegisterPatient, ledger.ActionOTPIssued}, f.tail(t, 2))

	code := f.sender.last("+919800000001")
	require.Len(t, code, 6)

	resp, err := f.svc.Verify(ctx, "+919800000001", code)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resp.UserID)
	assert.Equal(t, domain.RolePatient, resp.Role)

	claims, err := f.svc.ValidateToken(ctx, resp.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, domain.RolePatient, claims.Role)

	_, err = f.svc.Verify(ctx, "+919800000001", code)
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestRegisterRejectsDuplicatePhone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RegisterPatient(ctx, "Asha", "100")
	require.NoError(t, err)
	_, err = f.svc.RegisterDoctor(ctx, DoctorRegistration{
		Name: "Dr. Rao", Phone: "100", Specialty: "GENERAL", LicenseNumber: "L-1", HospitalID: "H-1",
	})
	assert.ErrorIs(t, err, ErrPhoneTaken)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestRegisterDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.svc.RegisterDoctor(ctx, DoctorRegistration{
		Name: "Dr. Rao", Phone: "200", Specialty: "cardiology", LicenseNumber: "L-1", HospitalID: "H-1",
	})
	require.NoError(t, err)
	require.NotNil(t, user.Profile)
	assert.Equal(t, domain.SpecialtyCardiology, user.Profile.Specialty)
	assert.Equal(t, []ledger.Action{ledger.ActionRegisterDoctor, ledger.ActionOTPIssued}, f.tail(t, 2))

	actor, err := user.Actor()
	require.NoError(t, err)
	assert.IsType(t, domain.Doctor{}, actor)

	_, err = f.svc.RegisterDoctor(ctx, DoctorRegistration{
		Name: "Dr. Sen", Phone: "201", Specialty: "DERMATOLOGY", LicenseNumber: "L-2", HospitalID: "H-1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.RegisterDoctor(ctx, DoctorRegistration{Name: "Dr. Sen", Phone: "202", Specialty: "GENERAL"})
	assert.ErrorIs(t, err, ErrMissingFields)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.Login(ctx, "unknown")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = f.svc.RegisterPatient(ctx, "Asha", "300")
	require.NoError(t, err)
	first := f.sender.last("300")

	require.NoError(t, f.svc.Login(ctx, "300"))
	assert.Equal(t, ledger.ActionOTPIssued, f.ledger.Last().Action)
	second := f.sender.last("300")

	// Both outstanding codes stay usable until they expire.
	_, err = f.svc.Verify(ctx, "300", second)
	require.NoError(t, err)
	if first != second {
		_, err = f.svc.Verify(ctx, "300", first)
		require.NoError(t, err)
	}
}

func TestDeliveryFailureDoesNotBlockRegistration(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("gateway down")

	user, err := f.svc.RegisterPatient(context.Background(), "Asha", "400")
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, ledger.ActionOTPIssued, f.ledger.Last().Action, "the code was issued even though delivery failed")
	assert.NoError(t, f.svc.Login(context.Background(), "400"))
}

func TestVerifyWrongCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.RegisterPatient(ctx, "Asha", "500")
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, "500", "not-a-code")
	assert.ErrorIs(t, err, ErrInvalidCode)
	_, err = f.svc.Verify(ctx, "501", f.sender.last("500"))
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestValidateTokenRejectsForgeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := &domain.User{ID: "u1", Role: domain.RoleDoctor}

	other := NewService(f.repo, nil, nil, nil, nil, zap.NewNop(), AuthServiceConfig{JWTSecret: "other"}).(*service)
	forged, err := other.generateToken(user)
	require.NoError(t, err)
	_, err = f.svc.ValidateToken(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = f.svc.ValidateToken(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	s := f.svc.(*service)
	s.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	stale, err := s.generateToken(user)
	require.NoError(t, err)
	_, err = f.svc.ValidateToken(ctx, stale)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRequireRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	s := f.svc.(*service)

	doctorToken, err := s.generateToken(&domain.User{ID: "doc", Role: domain.RoleDoctor})
	require.NoError(t, err)
	patientToken, err := s.generateToken(&domain.User{ID: "pat", Role: domain.RolePatient})
	require.NoError(t, err)

	mw := NewMiddleware(f.svc)
	r := gin.New()
	r.GET("/doctor", mw.RequireRoles(domain.RoleDoctor), func(c *gin.Context) {
		c.String(http.StatusOK, "%s:%s", UserID(c), Role(c))
	})
	r.GET("/any", mw.RequireRoles(), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})

	cases := []struct {
		name   string
		path   string
		header string
		status int
		body   string
	}{
		{"no header", "/doctor", "", http.StatusUnauthorized, ""},
		{"bad scheme", "/doctor", "Basic abc", http.StatusUnauthorized, ""},
		{"wrong role", "/doctor", "Bearer " + patientToken, http.StatusForbidden, ""},
		{"doctor", "/doctor", "Bearer " + doctorToken, http.StatusOK, "doc:DOCTOR"},
		{"any role", "/any", "Bearer " + patientToken, http.StatusOK, "pat"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}
