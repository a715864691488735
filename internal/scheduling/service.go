package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/ledger"
	"github.com/mesikahq/medvault/internal/monitoring"
	"github.com/mesikahq/medvault/internal/repository"
)

var (
	ErrNotADoctor     = fmt.Errorf("%w: invalid doctor id", domain.ErrInvalidInput)
	ErrNotAPatient    = fmt.Errorf("%w: invalid patient id", domain.ErrInvalidInput)
	ErrInvalidWindow  = fmt.Errorf("%w: end time must be after start time", domain.ErrInvalidInput)
	ErrNotParticipant = fmt.Errorf("%w: not a participant of this appointment", domain.ErrAuthorization)
	ErrOnlyDoctorCan  = fmt.Errorf("%w: only the appointment's doctor may complete it", domain.ErrAuthorization)
)

type Store interface {
	repository.Users
	repository.Appointments
}

type Recorder interface {
	Append(ctx context.Context, action ledger.Action, details, dataHash string) (ledger.Block, error)
}

type Service interface {
	Book(ctx context.Context, doctorID, patientID string, start, end time.Time) (*domain.Appointment, error)
	Complete(ctx context.Context, actorID, appointmentID string) error
	Cancel(ctx context.Context, actorID, appointmentID string) error
	ListFor(ctx context.Context, userID string) ([]domain.Appointment, error)
}

type service struct {
	store    Store
	recorder Recorder
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store Store, recorder Recorder, metrics *monitoring.Metrics, logger *zap.Logger) Service {
	return &service{
		store:    store,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Book creates an active appointment unless the doctor already has an
// active one whose start or end falls within [start, end].
func (s *service) Book(ctx context.Context, doctorID, patientID string, start, end time.Time) (*domain.Appointment, error) {
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}

	doctor, err := s.store.GetUser(ctx, doctorID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrNotADoctor
	}
	if err != nil {
		return nil, err
	}
	if doctor.Role != domain.RoleDoctor {
		return nil, ErrNotADoctor
	}

	patient, err := s.store.GetUser(ctx, patientID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrNotAPatient
	}
	if err != nil {
		return nil, err
	}
	if patient.Role != domain.RolePatient {
		return nil, ErrNotAPatient
	}

	appt := &domain.Appointment{
		ID:        uuid.NewString(),
		DoctorID:  doctorID,
		PatientID: patientID,
		StartTime: start.UTC(),
		EndTime:   end.UTC(),
		Status:    domain.AppointmentActive,
		CreatedAt: s.now().UTC(),
	}

	if err := s.store.InsertAppointmentIfFree(ctx, appt); err != nil {
		if errors.Is(err, domain.ErrSchedulingConflict) {
			s.metrics.AppointmentBooking("conflict")
			s.logger.Info("booking rejected, doctor busy",
				zap.String("doctor_id", doctorID),
				zap.Time("start", appt.StartTime),
				zap.Time("end", appt.EndTime))
		}
		return nil, err
	}
	s.metrics.AppointmentBooking("booked")

	details := fmt.Sprintf("Patient %s booked doctor %s from %s to %s",
		patientID, doctorID, appt.StartTime.Format(time.RFC3339), appt.EndTime.Format(time.RFC3339))
	hash := ledger.DataHash(appt.ID, doctorID, patientID, appt.StartTime.Format(time.RFC3339), appt.EndTime.Format(time.RFC3339))
	if _, err := s.recorder.Append(ctx, ledger.ActionBookAppointment, details, hash); err != nil {
		s.logger.Error("failed to record booking in ledger", zap.String("appointment_id", appt.ID), zap.Error(err))
	}

	return appt, nil
}

func (s *service) Complete(ctx context.Context, actorID, appointmentID string) error {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.DoctorID != actorID {
		return ErrOnlyDoctorCan
	}
	return s.transition(ctx, appt, domain.AppointmentCompleted)
}

func (s *service) Cancel(ctx context.Context, actorID, appointmentID string) error {
	appt, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	if appt.DoctorID != actorID && appt.PatientID != actorID {
		return ErrNotParticipant
	}
	return s.transition(ctx, appt, domain.AppointmentCancelled)
}

func (s *service) transition(ctx context.Context, appt *domain.Appointment, status domain.AppointmentStatus) error {
	if err := s.store.TransitionAppointment(ctx, appt.ID, status); err != nil {
		return err
	}
	s.logger.Info("appointment status changed",
		zap.String("appointment_id", appt.ID),
		zap.String("status", string(status)))
	return nil
}

func (s *service) ListFor(ctx context.Context, userID string) ([]domain.Appointment, error) {
	return s.store.ListAppointments(ctx, userID)
}
