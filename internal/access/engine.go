// Package access decides whether an actor may read a medical record.
//
// Evaluation is a fixed sequence of checks that stops at the first failure.
// Every outcome, allow or deny, produces exactly one access-log entry and
// one ledger block before the decision is returned.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mesikahq/medvault/internal/domain"
	"github.com/mesikahq/medvault/internal/geofence"
	"github.com/mesikahq/medvault/internal/ledger"
	"github.com/mesikahq/medvault/internal/monitoring"
)

// Deny reasons.
const (
	ReasonRoleNotPermitted    = "role not permitted"
	ReasonNotOwner            = "access denied"
	ReasonLocationRequired    = "location required"
	ReasonOutsideHospital     = "outside hospital"
	ReasonNoActiveAppointment = "no active appointment"
	ReasonEmergencyDisabled   = "emergency access not enabled"
	ReasonLookupFailed        = "appointment lookup failed"
)

// ErrAuditIncomplete reports that a decision was computed but one of its
// audit writes failed. The accompanying Decision is still authoritative.
var ErrAuditIncomplete = errors.New("audit trail incomplete")

func SpecialtyMismatch(required domain.Specialty) string {
	return "specialty mismatch: required " + string(required)
}

type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

func allow() Decision             { return Decision{Allow: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Context is the request-scoped input to a decision. Location is nil when
// the requester supplied no coordinates. A zero Now means the engine clock.
type Context struct {
	Location *Location
	Now      time.Time
}

type AccessLogWriter interface {
	CreateAccessLog(ctx context.Context, entry *domain.AccessLogEntry) error
}

type Store interface {
	CreateLocationLog(ctx context.Context, entry *domain.LocationLogEntry) error
	FindActiveAppointment(ctx context.Context, doctorID, patientID string, at time.Time) (*domain.Appointment, error)
}

type Recorder interface {
	Append(ctx context.Context, action ledger.Action, details, dataHash string) (ledger.Block, error)
}

type Engine struct {
	fence    geofence.Fence
	logs     AccessLogWriter
	store    Store
	recorder Recorder
	metrics  *monitoring.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(fence geofence.Fence, logs AccessLogWriter, store Store, recorder Recorder, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		fence:    fence,
		logs:     logs,
		store:    store,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// evaluation carries the audit trail of one call.
type evaluation struct {
	actor     domain.Actor
	record    *domain.Record
	action    string
	at        time.Time
	loc       *Location
	auditErrs []error
}

// Evaluate applies the regular access rules. A returned error either wraps
// ErrAuditIncomplete, in which case the Decision must still be honored, or
// reports a lookup failure, in which case access is denied.
func (e *Engine) Evaluate(ctx context.Context, actor domain.Actor, record *domain.Record, c Context) (Decision, error) {
	ev := e.begin(actor, record, domain.ActionView, c)

	var decision Decision
	var lookupErr error
	switch a := actor.(type) {
	case domain.Patient:
		decision = e.evaluatePatient(a, record)
	case domain.Doctor:
		decision, lookupErr = e.evaluateDoctor(ctx, ev, a, record)
	default:
		decision = deny(ReasonRoleNotPermitted)
	}

	return e.finish(ctx, ev, decision, lookupErr)
}

// EvaluateEmergency applies the break-glass rules: doctors inside the
// hospital may read records their owner marked emergency-accessible,
// without specialty or appointment checks.
func (e *Engine) EvaluateEmergency(ctx context.Context, actor domain.Actor, record *domain.Record, c Context) (Decision, error) {
	ev := e.begin(actor, record, domain.ActionEmergencyAccess, c)

	decision := deny(ReasonRoleNotPermitted)
	if doc, ok := actor.(domain.Doctor); ok {
		decision = e.checkLocation(ctx, ev, doc)
		if decision.Allow && !record.EmergencyAccessible {
			decision = deny(ReasonEmergencyDisabled)
		}
	}

	return e.finish(ctx, ev, decision, nil)
}

func (e *Engine) begin(actor domain.Actor, record *domain.Record, action string, c Context) *evaluation {
	at := c.Now
	if at.IsZero() {
		at = e.now()
	}
	return &evaluation{actor: actor, record: record, action: action, at: at.UTC(), loc: c.Location}
}

func (e *Engine) evaluatePatient(p domain.Patient, record *domain.Record) Decision {
	if record.OwnerID != p.ID {
		return deny(ReasonNotOwner)
	}
	return allow()
}

func (e *Engine) evaluateDoctor(ctx context.Context, ev *evaluation, doc domain.Doctor, record *domain.Record) (Decision, error) {
	if d := e.checkLocation(ctx, ev, doc); !d.Allow {
		return d, nil
	}

	if !doc.Matches(record.Category) {
		return deny(SpecialtyMismatch(record.Category)), nil
	}

	_, err := e.store.FindActiveAppointment(ctx, doc.ID, record.OwnerID, ev.at)
	if errors.Is(err, domain.ErrNotFound) {
		return deny(ReasonNoActiveAppointment), nil
	}
	if err != nil {
		return deny(ReasonLookupFailed), err
	}
	return allow(), nil
}

// checkLocation requires coordinates, logs them, then applies the fence.
func (e *Engine) checkLocation(ctx context.Context, ev *evaluation, doc domain.Doctor) Decision {
	if ev.loc == nil {
		return deny(ReasonLocationRequired)
	}

	err := e.store.CreateLocationLog(ctx, &domain.LocationLogEntry{
		ID:        uuid.NewString(),
		DoctorID:  doc.ID,
		Lat:       ev.loc.Lat,
		Lng:       ev.loc.Lng,
		Timestamp: ev.at,
	})
	if err != nil {
		ev.auditErrs = append(ev.auditErrs, fmt.Errorf("location log: %w", err))
	}

	if !e.fence.Contains(ev.loc.Lat, ev.loc.Lng) {
		return deny(ReasonOutsideHospital)
	}
	return allow()
}

func (e *Engine) finish(ctx context.Context, ev *evaluation, d Decision, lookupErr error) (Decision, error) {
	actorID, role := "", "UNKNOWN"
	if ev.actor != nil {
		actorID, role = ev.actor.ActorID(), string(ev.actor.Role())
	}

	entry := &domain.AccessLogEntry{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		RecordID:  ev.record.ID,
		Action:    ev.action,
		Timestamp: ev.at,
		Success:   d.Allow,
		Reason:    d.Reason,
	}
	// Coordinates only mean something for doctors; other roles log (0,0).
	if _, isDoctor := ev.actor.(domain.Doctor); isDoctor && ev.loc != nil {
		entry.Lat, entry.Lng = ev.loc.Lat, ev.loc.Lng
	}
	if err := e.logs.CreateAccessLog(ctx, entry); err != nil {
		ev.auditErrs = append(ev.auditErrs, fmt.Errorf("access log: %w", err))
	}

	action, details := e.ledgerEntry(ev, role, actorID, d)
	dataHash := ledger.DataHash(entry.ID, actorID, ev.record.ID, ev.action, d.Reason, ev.at.Format(time.RFC3339Nano))
	if _, err := e.recorder.Append(ctx, action, details, dataHash); err != nil {
		ev.auditErrs = append(ev.auditErrs, fmt.Errorf("ledger: %w", err))
	}

	e.metrics.AccessDecision(ev.action, role, d.Allow, d.Reason)

	fields := []zap.Field{
		zap.String("actor_id", actorID),
		zap.String("role", role),
		zap.String("record_id", ev.record.ID),
		zap.String("action", ev.action),
		zap.Bool("allow", d.Allow),
		zap.String("reason", d.Reason),
	}

	if lookupErr != nil {
		e.logger.Error("access evaluation failed", append(fields, zap.Error(lookupErr))...)
		return d, lookupErr
	}
	if len(ev.auditErrs) > 0 {
		err := fmt.Errorf("%w: %w", ErrAuditIncomplete, errors.Join(ev.auditErrs...))
		e.logger.Warn("access decision not fully audited", append(fields, zap.Error(err))...)
		return d, err
	}

	e.logger.Info("access decision", fields...)
	return d, nil
}

func (e *Engine) ledgerEntry(ev *evaluation, role, actorID string, d Decision) (ledger.Action, string) {
	if ev.action == domain.ActionEmergencyAccess {
		if d.Allow {
			return ledger.ActionEmergencyAccess, fmt.Sprintf("%s %s used emergency access on record %s", role, actorID, ev.record.ID)
		}
		return ledger.ActionEmergencyAccess, fmt.Sprintf("Emergency access denied for %s %s on record %s: %s", role, actorID, ev.record.ID, d.Reason)
	}
	if d.Allow {
		return ledger.ActionAccessData, fmt.Sprintf("%s %s accessed record %s", role, actorID, ev.record.ID)
	}
	return ledger.ActionAccessDenied, fmt.Sprintf("Access denied for %s %s on record %s: %s", role, actorID, ev.record.ID, d.Reason)
}
