package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mesikahq/medvault/internal/domain"
)

const uniqueViolation = "23505"

// Postgres implements Repository on a pgx connection pool. The schema is
// created by the migrations under internal/db/migrations.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// storageErr classifies a pgx error. Connection-level failures that never
// reached the server are transient.
func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return domain.NewStorageError(op, err, false)
	}
	transient := pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded)
	return domain.NewStorageError(op, err, transient)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (p *Postgres) CreateUser(ctx context.Context, user *domain.User) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return storageErr("create user", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, name, phone, role, created_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Name, user.Phone, string(user.Role), user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: phone already registered", domain.ErrAlreadyExists)
		}
		return storageErr("create user", err)
	}

	if user.Profile != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO doctor_profiles (user_id, specialty, license_number, hospital_id) VALUES ($1, $2, $3, $4)`,
			user.ID, string(user.Profile.Specialty), user.Profile.LicenseNumber, user.Profile.HospitalID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: license number already registered", domain.ErrAlreadyExists)
			}
			return storageErr("create doctor profile", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("create user", err)
	}
	return nil
}

const selectUser = `
	SELECT u.id, u.name, u.phone, u.role, u.created_at,
	       p.specialty, p.license_number, p.hospital_id
	FROM users u
	LEFT JOIN doctor_profiles p ON p.user_id = u.id`

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u                             domain.User
		role                          string
		specialty, license, hospital *string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.Phone, &role, &u.CreatedAt, &specialty, &license, &hospital); err != nil {
		return nil, err
	}
	u.Role = domain.Role(role)
	if specialty != nil {
		u.Profile = &domain.DoctorProfile{
			UserID:        u.ID,
			Specialty:     domain.Specialty(*specialty),
			LicenseNumber: deref(license),
			HospitalID:    deref(hospital),
		}
	}
	return &u, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(p.db.QueryRow(ctx, selectUser+` WHERE u.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return u, nil
}

func (p *Postgres) GetUserByPhone(ctx context.Context, phone string) (*domain.User, error) {
	u, err := scanUser(p.db.QueryRow(ctx, selectUser+` WHERE u.phone = $1`, phone))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user with phone: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return u, nil
}

func (p *Postgres) CreateRecord(ctx context.Context, r *domain.Record) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO records (id, owner_id, category, file_key, iv_key, hash, mime_type, size, emergency_accessible, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.OwnerID, string(r.Category), r.FileKey, r.IVKey, r.Hash, r.MimeType, r.Size, r.EmergencyAccessible, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("record %s: %w", r.ID, domain.ErrAlreadyExists)
		}
		return storageErr("create record", err)
	}
	return nil
}

const selectRecord = `
	SELECT id, owner_id, category, file_key, iv_key, hash, mime_type, size, emergency_accessible, created_at
	FROM records`

func scanRecord(row pgx.Row) (domain.Record, error) {
	var (
		r        domain.Record
		category string
	)
	err := row.Scan(&r.ID, &r.OwnerID, &category, &r.FileKey, &r.IVKey, &r.Hash, &r.MimeType, &r.Size, &r.EmergencyAccessible, &r.CreatedAt)
	r.Category = domain.Specialty(category)
	return r, err
}

func (p *Postgres) GetRecord(ctx context.Context, id string) (*domain.Record, error) {
	r, err := scanRecord(p.db.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get record", err)
	}
	return &r, nil
}

func (p *Postgres) ListRecordsByOwner(ctx context.Context, ownerID string) ([]domain.Record, error) {
	rows, err := p.db.Query(ctx, selectRecord+` WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var records []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list records", err)
	}
	return records, nil
}

func (p *Postgres) SetEmergencyAccessible(ctx context.Context, id string, enabled bool) error {
	tag, err := p.db.Exec(ctx, `UPDATE records SET emergency_accessible = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return storageErr("update record", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// InsertAppointmentIfFree serializes bookings per doctor with a
// transaction-scoped advisory lock so two overlapping requests cannot both
// pass the conflict check.
func (p *Postgres) InsertAppointmentIfFree(ctx context.Context, a *domain.Appointment) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return storageErr("book appointment", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.DoctorID); err != nil {
		return storageErr("lock doctor schedule", err)
	}

	var busy bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE doctor_id = $1 AND status = 'ACTIVE'
			  AND (start_time BETWEEN $2 AND $3 OR end_time BETWEEN $2 AND $3)
		)`, a.DoctorID, a.StartTime, a.EndTime).Scan(&busy)
	if err != nil {
		return storageErr("check overlap", err)
	}
	if busy {
		return domain.ErrSchedulingConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO appointments (id, doctor_id, patient_id, start_time, end_time, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.DoctorID, a.PatientID, a.StartTime, a.EndTime, string(a.Status), a.CreatedAt)
	if err != nil {
		return storageErr("insert appointment", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr("book appointment", err)
	}
	return nil
}

const selectAppointment = `
	SELECT id, doctor_id, patient_id, start_time, end_time, status, created_at
	FROM appointments`

func scanAppointment(row pgx.Row) (domain.Appointment, error) {
	var (
		a      domain.Appointment
		status string
	)
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.StartTime, &a.EndTime, &status, &a.CreatedAt)
	a.Status = domain.AppointmentStatus(status)
	return a, err
}

func (p *Postgres) GetAppointment(ctx context.Context, id string) (*domain.Appointment, error) {
	a, err := scanAppointment(p.db.QueryRow(ctx, selectAppointment+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("appointment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get appointment", err)
	}
	return &a, nil
}

func (p *Postgres) FindActiveAppointment(ctx context.Context, doctorID, patientID string, at time.Time) (*domain.Appointment, error) {
	a, err := scanAppointment(p.db.QueryRow(ctx,
		selectAppointment+`
		WHERE doctor_id = $1 AND patient_id = $2 AND status = 'ACTIVE'
		  AND start_time <= $3 AND end_time >= $3
		LIMIT 1`, doctorID, patientID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active appointment: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("find appointment", err)
	}
	return &a, nil
}

func (p *Postgres) TransitionAppointment(ctx context.Context, id string, status domain.AppointmentStatus) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE appointments SET status = $1 WHERE id = $2 AND status = 'ACTIVE'`, string(status), id)
	if err != nil {
		return storageErr("update appointment", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetAppointment(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: appointment is not active", domain.ErrInvalidInput)
	}
	return nil
}

func (p *Postgres) ListAppointments(ctx context.Context, userID string) ([]domain.Appointment, error) {
	rows, err := p.db.Query(ctx,
		selectAppointment+` WHERE doctor_id = $1 OR patient_id = $1 ORDER BY start_time`, userID)
	if err != nil {
		return nil, storageErr("list appointments", err)
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, storageErr("scan appointment", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list appointments", err)
	}
	return out, nil
}

func (p *Postgres) CreateAccessLog(ctx context.Context, e *domain.AccessLogEntry) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO access_logs (id, actor_id, record_id, action, timestamp, success, reason, lat, lng)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ActorID, e.RecordID, e.Action, e.Timestamp, e.Success, e.Reason, e.Lat, e.Lng)
	if err != nil {
		return storageErr("create access log", err)
	}
	return nil
}

func (p *Postgres) ListAccessLogs(ctx context.Context, recordID string, offset, limit int) ([]domain.AccessLogEntry, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, actor_id, record_id, action, timestamp, success, reason, lat, lng
		 FROM access_logs WHERE record_id = $1
		 ORDER BY timestamp DESC OFFSET $2 LIMIT $3`,
		recordID, offset, limit)
	if err != nil {
		return nil, storageErr("list access logs", err)
	}
	defer rows.Close()

	var out []domain.AccessLogEntry
	for rows.Next() {
		var e domain.AccessLogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.RecordID, &e.Action, &e.Timestamp,
			&e.Success, &e.Reason, &e.Lat, &e.Lng); err != nil {
			return nil, storageErr("scan access log", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list access logs", err)
	}
	return out, nil
}

func (p *Postgres) CreateLocationLog(ctx context.Context, e *domain.LocationLogEntry) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO location_logs (id, doctor_id, lat, lng, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.DoctorID, e.Lat, e.Lng, e.Timestamp)
	if err != nil {
		return storageErr("create location log", err)
	}
	return nil
}

// CodeStore keeps one-time codes in PostgreSQL.
type CodeStore struct {
	db *pgxpool.Pool
}

func NewCodeStore(db *pgxpool.Pool) *CodeStore {
	return &CodeStore{db: db}
}

func (s *CodeStore) Create(ctx context.Context, c *domain.OneTimeCode) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO one_time_codes (id, phone, code_hash, expires_at, used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.Phone, c.CodeHash, c.ExpiresAt, c.Used, c.CreatedAt)
	if err != nil {
		return storageErr("create code", err)
	}
	return nil
}

// Consume flips the newest matching unused, unexpired code to used in a
// single statement. Of two concurrent callers only one sees a row back.
func (s *CodeStore) Consume(ctx context.Context, phone, codeHash string, now time.Time) (bool, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`UPDATE one_time_codes SET used = TRUE
		 WHERE id = (
			SELECT id FROM one_time_codes
			WHERE phone = $1 AND code_hash = $2 AND used = FALSE AND expires_at >= $3
			ORDER BY created_at DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 ) AND used = FALSE
		 RETURNING id`, phone, codeHash, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("consume code", err)
	}
	return true, nil
}
