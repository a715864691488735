package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mesikahq/medvault/internal/domain"
)

// Memory is a Repository held in process memory. It backs tests and
// single-node development runs.
type Memory struct {
	mu           sync.RWMutex
	users        map[string]domain.User
	records      map[string]domain.Record
	appointments map[string]domain.Appointment
	accessLogs   []domain.AccessLogEntry
	locationLogs []domain.LocationLogEntry
}

func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]domain.User),
		records:      make(map[string]domain.Record),
		appointments: make(map[string]domain.Appointment),
	}
}

func (m *Memory) CreateUser(ctx context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Phone == user.Phone {
			return fmt.Errorf("%w: phone already registered", domain.ErrAlreadyExists)
		}
		if user.Profile != nil && u.Profile != nil && u.Profile.LicenseNumber == user.Profile.LicenseNumber {
			return fmt.Errorf("%w: license number already registered", domain.ErrAlreadyExists)
		}
	}
	m.users[user.ID] = cloneUser(*user)
	return nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	u = cloneUser(u)
	return &u, nil
}

func (m *Memory) GetUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Phone == phone {
			u = cloneUser(u)
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user with phone: %w", domain.ErrNotFound)
}

func cloneUser(u domain.User) domain.User {
	if u.Profile != nil {
		p := *u.Profile
		u.Profile = &p
	}
	return u
}

func (m *Memory) CreateRecord(ctx context.Context, record *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return fmt.Errorf("record %s: %w", record.ID, domain.ErrAlreadyExists)
	}
	m.records[record.ID] = *record
	return nil
}

func (m *Memory) GetRecord(ctx context.Context, id string) (*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	return &r, nil
}

func (m *Memory) ListRecordsByOwner(ctx context.Context, ownerID string) ([]domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Record
	for _, r := range m.records {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetEmergencyAccessible(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	r.EmergencyAccessible = enabled
	m.records[id] = r
	return nil
}

func (m *Memory) InsertAppointmentIfFree(ctx context.Context, appt *domain.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appointments {
		if a.DoctorID == appt.DoctorID && a.Status == domain.AppointmentActive && a.Overlaps(appt.StartTime, appt.EndTime) {
			return domain.ErrSchedulingConflict
		}
	}
	m.appointments[appt.ID] = *appt
	return nil
}

func (m *Memory) GetAppointment(ctx context.Context, id string) (*domain.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %s: %w", id, domain.ErrNotFound)
	}
	return &a, nil
}

func (m *Memory) FindActiveAppointment(ctx context.Context, doctorID, patientID string, at time.Time) (*domain.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.appointments {
		if a.DoctorID == doctorID && a.PatientID == patientID && a.Status == domain.AppointmentActive && a.Covers(at) {
			return &a, nil
		}
	}
	return nil, fmt.Errorf("active appointment: %w", domain.ErrNotFound)
}

func (m *Memory) TransitionAppointment(ctx context.Context, id string, status domain.AppointmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return fmt.Errorf("appointment %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != domain.AppointmentActive {
		return fmt.Errorf("%w: appointment is %s", domain.ErrInvalidInput, a.Status)
	}
	a.Status = status
	m.appointments[id] = a
	return nil
}

func (m *Memory) ListAppointments(ctx context.Context, userID string) ([]domain.Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Appointment
	for _, a := range m.appointments {
		if a.DoctorID == userID || a.PatientID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *Memory) CreateAccessLog(ctx context.Context, entry *domain.AccessLogEntry) error {
	m.mu.Lock()
	m.accessLogs = append(m.accessLogs, *entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListAccessLogs(ctx context.Context, recordID string, offset, limit int) ([]domain.AccessLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.AccessLogEntry
	for i := len(m.accessLogs) - 1; i >= 0; i-- {
		if m.accessLogs[i].RecordID == recordID {
			out = append(out, m.accessLogs[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateLocationLog(ctx context.Context, entry *domain.LocationLogEntry) error {
	m.mu.Lock()
	m.locationLogs = append(m.locationLogs, *entry)
	m.mu.Unlock()
	return nil
}

// AccessLogs returns a copy of every access-log entry written so far.
func (m *Memory) AccessLogs() []domain.AccessLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.AccessLogEntry(nil), m.accessLogs...)
}

// LocationLogs returns a copy of every location-log entry written so far.
func (m *Memory) LocationLogs() []domain.LocationLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.LocationLogEntry(nil), m.locationLogs...)
}
