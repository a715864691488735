package domain

import "time"

// Record is the metadata row of an encrypted medical file. Hash is frozen at
// upload time; only EmergencyAccessible may change afterwards.
type Record struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	Category            Specialty `json:"category"`
	FileKey             string    `json:"-"`
	IVKey               string    `json:"-"`
	Hash                string    `json:"hash"`
	MimeType            string    `json:"mime_type"`
	Size                int64     `json:"size"`
	EmergencyAccessible bool      `json:"emergency_accessible"`
	CreatedAt           time.Time `json:"created_at"`
}

type AppointmentStatus string

const (
	AppointmentActive    AppointmentStatus = "ACTIVE"
	AppointmentCompleted AppointmentStatus = "COMPLETED"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
)

type Appointment struct {
	ID        string            `json:"id"`
	DoctorID  string            `json:"doctor_id"`
	PatientID string            `json:"patient_id"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time"`
	Status    AppointmentStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// Covers reports whether t lies inside the closed interval [StartTime, EndTime].
func (a *Appointment) Covers(t time.Time) bool {
	return !t.Before(a.StartTime) && !t.After(a.EndTime)
}

// Overlaps applies the booking conflict rule: an existing appointment
// conflicts when its start or end falls inside [start, end].
func (a *Appointment) Overlaps(start, end time.Time) bool {
	within := func(t time.Time) bool { return !t.Before(start) && !t.After(end) }
	return within(a.StartTime) || within(a.EndTime)
}

// Access log actions.
const (
	ActionView            = "VIEW"
	ActionEmergencyAccess = "EMERGENCY_ACCESS"
	ActionUpload          = "UPLOAD"
)

// AccessLogEntry records one access decision. Lat/Lng are zero when no
// location applies, e.g. a patient reading their own record.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	RecordID  string    `json:"record_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
}

type LocationLogEntry struct {
	ID        string    `json:"id"`
	DoctorID  string    `json:"doctor_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

// OneTimeCode is a stored login code. Only the hash of the code is kept.
type OneTimeCode struct {
	ID        string
	Phone     string
	CodeHash  string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}
