package repository

import (
	"context"
	"time"

	"github.com/mesikahq/medvault/internal/domain"
)

type Users interface {
	// CreateUser inserts the user and, for doctors, the profile in one unit.
	// A duplicate phone or license number yields domain.ErrAlreadyExists.
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*domain.User, error)
}

type Records interface {
	CreateRecord(ctx context.Context, record *domain.Record) error
	GetRecord(ctx context.Context, id string) (*domain.Record, error)
	ListRecordsByOwner(ctx context.Context, ownerID string) ([]domain.Record, error)
	SetEmergencyAccessible(ctx context.Context, id string, enabled bool) error
}

type Appointments interface {
	// InsertAppointmentIfFree stores appt unless an active appointment of
	// the same doctor overlaps it, in which case it returns
	// domain.ErrSchedulingConflict. The check and insert are atomic.
	InsertAppointmentIfFree(ctx context.Context, appt *domain.Appointment) error
	GetAppointment(ctx context.Context, id string) (*domain.Appointment, error)
	// FindActiveAppointment returns an active appointment for the pair
	// whose window covers at, or domain.ErrNotFound.
	FindActiveAppointment(ctx context.Context, doctorID, patientID string, at time.Time) (*domain.Appointment, error)
	// TransitionAppointment moves an active appointment to status.
	TransitionAppointment(ctx context.Context, id string, status domain.AppointmentStatus) error
	ListAppointments(ctx context.Context, userID string) ([]domain.Appointment, error)
}

type AccessLogs interface {
	CreateAccessLog(ctx context.Context, entry *domain.AccessLogEntry) error
	// ListAccessLogs pages through a record's entries, newest first.
	ListAccessLogs(ctx context.Context, recordID string, offset, limit int) ([]domain.AccessLogEntry, error)
}

type LocationLogs interface {
	CreateLocationLog(ctx context.Context, entry *domain.LocationLogEntry) error
}

// Repository is the full persistence surface of the vault.
type Repository interface {
	Users
	Records
	Appointments
	AccessLogs
	LocationLogs
}
