package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/ledger"
	"github.com/mesikahq/medvault/internal/monitoring"
	"github.com/mesikahq/medvault/internal/repository"
	"github.com/mesikahq/medvault/internal/sms"
)

var (
	ErrInvalidCode   = fmt.Errorf("%w: invalid or expired code", domain.ErrAuthentication)
	ErrUserNotFound  = fmt.Errorf("%w: user not found", domain.ErrNotFound)
	ErrTokenExpired  = fmt.Errorf("%w: token expired", domain.ErrAuthentication)
	ErrInvalidToken  = fmt.Errorf("%w: invalid token", domain.ErrAuthentication)
	ErrPhoneTaken    = fmt.Errorf("%w: phone already registered", domain.ErrAlreadyExists)
	ErrMissingFields = fmt.Errorf("%w: missing required fields", domain.ErrInvalidInput)
)

const defaultTokenExpiry = 24 * time.Hour

type Claims struct {
	jwt.RegisteredClaims
	UserID string      `json:"user_id"`
	Role   domain.Role `json:"role"`
}

type LoginResponse struct {
	Token  string      `json:"token"`
	Role   domain.Role `json:"role"`
	UserID string      `json:"user_id"`
}

type DoctorRegistration struct {
	Name          string
	Phone         string
	Specialty     string
	LicenseNumber string
	HospitalID    string
}

// CodeAuthenticator issues and consumes one-time codes.
type CodeAuthenticator interface {
	Issue(ctx context.Context, phone string) (string, error)
	Verify(ctx context.Context, phone, code string) (bool, error)
}

type Recorder interface {
	Append(ctx context.Context, action ledger.Action, details, dataHash string) (ledger.Block, error)
}

type Service interface {
	RegisterPatient(ctx context.Context, name, phone string) (*domain.User, error)
	RegisterDoctor(ctx context.Context, reg DoctorRegistration) (*domain.User, error)
	// Login sends a fresh code to the phone of a registered user.
	Login(ctx context.Context, phone string) error
	// Verify exchanges a one-time code for a session token.
	Verify(ctx context.Context, phone, code string) (*LoginResponse, error)
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

type AuthServiceConfig struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

type service struct {
	users       repository.Users
	codes       CodeAuthenticator
	sender      sms.Sender
	recorder    Recorder
	metrics     *monitoring.Metrics
	logger      *zap.Logger
	jwtSecret   []byte
	tokenExpiry time.Duration
	now         func() time.Time
}

func NewService(users repository.Users, codes CodeAuthenticator, sender sms.Sender, recorder Recorder,
	metrics *monitoring.Metrics, logger *zap.Logger, config AuthServiceConfig) Service {
	expiry := config.TokenExpiry
	if expiry <= 0 {
		expiry = defaultTokenExpiry
	}
	return &service{
		users:       users,
		codes:       codes,
		sender:      sender,
		recorder:    recorder,
		metrics:     metrics,
		logger:      logger,
		jwtSecret:   []byte(config.JWTSecret),
		tokenExpiry: expiry,
		now:         time.Now,
	}
}

func (s *service) RegisterPatient(ctx context.Context, name, phone string) (*domain.User, error) {
	name, phone = strings.TrimSpace(name), strings.TrimSpace(phone)
	if name == "" || phone == "" {
		return nil, ErrMissingFields
	}

	user := &domain.User{
		ID:        uuid.New().String(),
		Name:      name,
		Phone:     phone,
		Role:      domain.RolePatient,
		CreatedAt: s.now().UTC(),
	}
	if err := s.create(ctx, user); err != nil {
		return nil, err
	}

	s.record(ctx, ledger.ActionRegisterPatient, fmt.Sprintf("Patient %s registered", user.ID), ledger.DataHash(user.ID, user.Phone))
	s.sendCode(ctx, user)
	return user, nil
}

func (s *service) RegisterDoctor(ctx context.Context, reg DoctorRegistration) (*domain.User, error) {
	name, phone := strings.TrimSpace(reg.Name), strings.TrimSpace(reg.Phone)
	if name == "" || phone == "" || reg.LicenseNumber == "" || reg.HospitalID == "" {
		return nil, ErrMissingFields
	}
	specialty, err := domain.ParseSpecialty(strings.ToUpper(strings.TrimSpace(reg.Specialty)))
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	user := &domain.User{
		ID:    id,
		Name:  name,
		Phone: phone,
		Role:  domain.RoleDoctor,
		Profile: &domain.DoctorProfile{
			UserID:        id,
			Specialty:     specialty,
			LicenseNumber: reg.LicenseNumber,
			HospitalID:    reg.HospitalID,
		},
		CreatedAt: s.now().UTC(),
	}
	if err := s.create(ctx, user); err != nil {
		return nil, err
	}

	s.record(ctx, ledger.ActionRegisterDoctor,
		fmt.Sprintf("Doctor %s registered (%s)", user.ID, specialty),
		ledger.DataHash(user.ID, user.Phone, reg.LicenseNumber))
	s.sendCode(ctx, user)
	return user, nil
}

func (s *service) create(ctx context.Context, user *domain.User) error {
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// The repository cannot tell us which unique column clashed.
			if _, lookupErr := s.users.GetUserByPhone(ctx, user.Phone); lookupErr == nil {
				return ErrPhoneTaken
			}
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *service) Login(ctx context.Context, phone string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ErrMissingFields
	}
	user, err := s.users.GetUserByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("lookup user: %w", err)
	}

	return s.issueCode(ctx, user)
}

func (s *service) Verify(ctx context.Context, phone, code string) (*LoginResponse, error) {
	phone, code = strings.TrimSpace(phone), strings.TrimSpace(code)
	ok, err := s.codes.Verify(ctx, phone, code)
	if err != nil {
		s.metrics.OTPVerification("error")
		return nil, fmt.Errorf("verify code: %w", err)
	}
	if !ok {
		s.metrics.OTPVerification("rejected")
		return nil, ErrInvalidCode
	}
	s.metrics.OTPVerification("accepted")

	user, err := s.users.GetUserByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	token, err := s.generateToken(user)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	return &LoginResponse{Token: token, Role: user.Role, UserID: user.ID}, nil
}

func (s *service) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// sendCode issues and delivers a code after registration. Failures are
// logged; the user can request another code through Login.
func (s *service) sendCode(ctx context.Context, user *domain.User) {
	if err := s.issueCode(ctx, user); err != nil {
		s.logger.Warn("registration code not delivered", zap.Error(err))
	}
}

func (s *service) issueCode(ctx context.Context, user *domain.User) error {
	if err := s.deliver(ctx, user.Phone); err != nil {
		return err
	}
	s.record(ctx, ledger.ActionOTPIssued, fmt.Sprintf("Login code issued for %s", user.ID), ledger.DataHash(user.ID))
	return nil
}

func (s *service) deliver(ctx context.Context, phone string) error {
	code, err := s.codes.Issue(ctx, phone)
	if err != nil {
		return fmt.Errorf("issue code: %w", err)
	}
	if err := s.sender.SendCode(ctx, phone, code); err != nil {
		// The code is stored; delivery can be retried out of band.
		s.logger.Error("failed to deliver one-time code", zap.Error(err))
	}
	return nil
}

func (s *service) record(ctx context.Context, action ledger.Action, details, dataHash string) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Append(ctx, action, details, dataHash); err != nil {
		s.logger.Error("failed to append ledger block", zap.String("action", string(action)), zap.Error(err))
	}
}

func (s *service) generateToken(user *domain.User) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   user.ID,
			ID:        uuid.New().String(),
		},
		UserID: user.ID,
		Role:   user.Role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *service) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
