package repository

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/db/migrate"
	"github.com/mesikahq/medvault/internal/db/migrations"
	"github.com/mesikahq/medvault/internal/domain"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newDoctor(phone, license string) *domain.User {
	id := uuid.NewString()
	return &domain.User{
		ID:    id,
		Name:  "Dr. " + phone,
		Phone: phone,
		Role:  domain.RoleDoctor,
		Profile: &domain.DoctorProfile{
			UserID:        id,
			Specialty:     domain.SpecialtyCardiology,
			LicenseNumber: license,
			HospitalID:    "H1",
		},
		CreatedAt: base,
	}
}

func newPatient(phone string) *domain.User {
	return &domain.User{ID: uuid.NewString(), Name: "P " + phone, Phone: phone, Role: domain.RolePatient, CreatedAt: base}
}

func appointment(doctorID, patientID string, start, end time.Time) *domain.Appointment {
	return &domain.Appointment{
		ID:        uuid.NewString(),
		DoctorID:  doctorID,
		PatientID: patientID,
		StartTime: start,
		EndTime:   end,
		Status:    domain.AppointmentActive,
		CreatedAt: base,
	}
}

// exercise runs the shared behavior checks against any Repository.
func exercise(t *testing.T, repo Repository) {
	ctx := context.Background()

	doc := newDoctor("9000000001", "LIC-1")
	pat := newPatient("9000000002")
	require.NoError(t, repo.CreateUser(ctx, doc))
	require.NoError(t, repo.CreateUser(ctx, pat))

	t.Run("unique phone", func(t *testing.T) {
		err := repo.CreateUser(ctx, newPatient("9000000002"))
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("unique license", func(t *testing.T) {
		err := repo.CreateUser(ctx, newDoctor("9000000003", "LIC-1"))
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("user lookup with profile", func(t *testing.T) {
		got, err := repo.GetUserByPhone(ctx, doc.Phone)
		require.NoError(t, err)
		require.NotNil(t, got.Profile)
		assert.Equal(t, domain.SpecialtyCardiology, got.Profile.Specialty)

		_, err = repo.GetUser(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("records", func(t *testing.T) {
		rec := &domain.Record{
			ID: uuid.NewString(), OwnerID: pat.ID, Category: domain.SpecialtyRadiology,
			FileKey: "f", IVKey: "i", Hash: "ab", MimeType: "application/pdf", Size: 3, CreatedAt: base,
		}
		require.NoError(t, repo.CreateRecord(ctx, rec))
		require.NoError(t, repo.SetEmergencyAccessible(ctx, rec.ID, true))

		got, err := repo.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, got.EmergencyAccessible)
		assert.Equal(t, "i", got.IVKey)

		list, err := repo.ListRecordsByOwner(ctx, pat.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		assert.ErrorIs(t, repo.SetEmergencyAccessible(ctx, uuid.NewString(), true), domain.ErrNotFound)
	})

	t.Run("booking conflicts", func(t *testing.T) {
		first := appointment(doc.ID, pat.ID, base, base.Add(30*time.Minute))
		require.NoError(t, repo.InsertAppointmentIfFree(ctx, first))

		overlapping := appointment(doc.ID, pat.ID, base.Add(15*time.Minute), base.Add(45*time.Minute))
		assert.ErrorIs(t, repo.InsertAppointmentIfFree(ctx, overlapping), domain.ErrSchedulingConflict)

		later := appointment(doc.ID, pat.ID, base.Add(time.Hour), base.Add(90*time.Minute))
		require.NoError(t, repo.InsertAppointmentIfFree(ctx, later))

		got, err := repo.FindActiveAppointment(ctx, doc.ID, pat.ID, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)

		_, err = repo.FindActiveAppointment(ctx, doc.ID, pat.ID, base.Add(31*time.Minute))
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, repo.TransitionAppointment(ctx, later.ID, domain.AppointmentCancelled))
		assert.ErrorIs(t, repo.TransitionAppointment(ctx, later.ID, domain.AppointmentCompleted), domain.ErrInvalidInput)

		again := appointment(doc.ID, pat.ID, base.Add(time.Hour), base.Add(90*time.Minute))
		require.NoError(t, repo.InsertAppointmentIfFree(ctx, again), "cancelled slots are free")

		list, err := repo.ListAppointments(ctx, pat.ID)
		require.NoError(t, err)
		assert.Len(t, list, 3)
	})

	t.Run("concurrent booking admits one", func(t *testing.T) {
		start := base.Add(48 * time.Hour)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.InsertAppointmentIfFree(ctx, appointment(doc.ID, pat.ID, start, start.Add(30*time.Minute)))
				if err == nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("logs", func(t *testing.T) {
		recordID := uuid.NewString()
		for i := 0; i < 3; i++ {
			require.NoError(t, repo.CreateAccessLog(ctx, &domain.AccessLogEntry{
				ID: uuid.NewString(), ActorID: doc.ID, RecordID: recordID,
				Action: domain.ActionView, Timestamp: base.Add(time.Duration(i) * time.Minute),
				Reason: "outside hospital", Lat: 1, Lng: 2,
			}))
		}

		page, err := repo.ListAccessLogs(ctx, recordID, 0, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.True(t, page[0].Timestamp.Equal(base.Add(2*time.Minute)), "newest first")
		assert.Equal(t, recordID, page[1].RecordID)

		rest, err := repo.ListAccessLogs(ctx, recordID, 2, 2)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.True(t, rest[0].Timestamp.Equal(base))

		none, err := repo.ListAccessLogs(ctx, uuid.NewString(), 0, 10)
		require.NoError(t, err)
		assert.Empty(t, none)

		require.NoError(t, repo.CreateLocationLog(ctx, &domain.LocationLogEntry{
			ID: uuid.NewString(), DoctorID: doc.ID, Lat: 1, Lng: 2, Timestamp: base,
		}))
	})
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemory()
	exercise(t, repo)
	assert.Len(t, repo.AccessLogs(), 3)
	assert.Len(t, repo.LocationLogs(), 1)
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("MEDVAULT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MEDVAULT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	m := migrate.NewManager(pool, migrations.FS, zap.NewNop())
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Up(ctx))
	t.Cleanup(func() { _ = m.Down(context.Background()) })

	exercise(t, NewPostgres(pool))

	t.Run("code consume is exclusive", func(t *testing.T) {
		codes := NewCodeStore(pool)
		now := time.Now().UTC()
		require.NoError(t, codes.Create(ctx, &domain.OneTimeCode{
			ID: uuid.NewString(), Phone: "9000000009", CodeHash: "h", ExpiresAt: now.Add(5 * time.Minute), CreatedAt: now,
		}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := codes.Consume(ctx, "9000000009", "h", now)
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		ok, err := codes.Consume(ctx, "9000000009", "h", now)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
