package domain

import (
	"fmt"
	"time"
)

type Role string

const (
	RolePatient       Role = "PATIENT"
	RoleDoctor        Role = "DOCTOR"
	RoleLabTechnician Role = "LAB_TECHNICIAN"
)

type Specialty string

const (
	SpecialtyCardiology Specialty = "CARDIOLOGY"
	SpecialtyRadiology  Specialty = "RADIOLOGY"
	SpecialtyPathology  Specialty = "PATHOLOGY"
	SpecialtyGeneral    Specialty = "GENERAL"
)

// ParseSpecialty normalizes a specialty tag supplied by a client.
func ParseSpecialty(s string) (Specialty, error) {
	switch sp := Specialty(s); sp {
	case SpecialtyCardiology, SpecialtyRadiology, SpecialtyPathology, SpecialtyGeneral:
		return sp, nil
	}
	return "", fmt.Errorf("%w: unknown specialty %q", ErrInvalidInput, s)
}

// Actor is the identity making a request. The concrete types are Patient,
// Doctor and LabTechnician; callers dispatch with a type switch.
type Actor interface {
	ActorID() string
	Role() Role
	actor()
}

type Patient struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (p Patient) ActorID() string { return p.ID }
func (p Patient) Role() Role      { return RolePatient }
func (Patient) actor()            {}

type Doctor struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	Specialty     Specialty `json:"specialty"`
	LicenseNumber string    `json:"license_number"`
	HospitalID    string    `json:"hospital_id"`
}

func (d Doctor) ActorID() string { return d.ID }
func (d Doctor) Role() Role      { return RoleDoctor }
func (Doctor) actor()            {}

// Matches reports whether the doctor may read records of the given category.
// GENERAL practitioners match every category.
func (d Doctor) Matches(category Specialty) bool {
	return d.Specialty == SpecialtyGeneral || d.Specialty == category
}

type LabTechnician struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (l LabTechnician) ActorID() string { return l.ID }
func (l LabTechnician) Role() Role      { return RoleLabTechnician }
func (LabTechnician) actor()            {}

// User is the persisted row behind an Actor.
type User struct {
	ID        string
	Name      string
	Phone     string
	Role      Role
	Profile   *DoctorProfile
	CreatedAt time.Time
}

type DoctorProfile struct {
	UserID        string
	Specialty     Specialty
	LicenseNumber string
	HospitalID    string
}

// Actor converts the persisted row into its role-specific variant.
func (u *User) Actor() (Actor, error) {
	switch u.Role {
	case RolePatient:
		return Patient{ID: u.ID, Name: u.Name, Phone: u.Phone}, nil
	case RoleDoctor:
		if u.Profile == nil {
			return nil, fmt.Errorf("%w: doctor %s has no profile", ErrNotFound, u.ID)
		}
		return Doctor{
			ID:            u.ID,
			Name:          u.Name,
			Phone:         u.Phone,
			Specialty:     u.Profile.Specialty,
			LicenseNumber: u.Profile.LicenseNumber,
			HospitalID:    u.Profile.HospitalID,
		}, nil
	case RoleLabTechnician:
		return LabTechnician{ID: u.ID, Name: u.Name, Phone: u.Phone}, nil
	}
	return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, u.Role)
}
