package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/logger"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rtcheap/session-manager/internal/models"
	"github.com/rtcheap/session-manager/internal/repository"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("session-manager/service")

// Prometheus metrics.
var (
	sessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "video_sessions_created_total",
			Help: "The total number of created video sessions",
		},
	)
	sessionsJoined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_sessions_joined_total",
			Help: "The total number of participant joins",
		},
		[]string{"user_type"},
	)
	sessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "video_sessions_ended_total",
			Help: "The total number of ended video sessions",
		},
		[]string{"reason"},
	)
)

const (
	defaultTimeout    = 10 * time.Second
	notifyTimeout     = 5 * time.Second
	maxCreateAttempts = 3
)

// AppointmentGateway resolves appointments owned by the appointment service.
type AppointmentGateway interface {
	Find(ctx context.Context, appointmentID string) (models.Appointment, error)
	MarkInProgress(ctx context.Context, appointmentID string) error
}

// MediaTokenService issues short-lived tokens for the media transport of a session.
type MediaTokenService interface {
	Issue(ctx context.Context, session models.VideoSession, requester models.Requester) (models.MediaGrant, error)
}

// SessionService service to manage the lifecycle of video sessions.
type SessionService struct {
	SessionRepo  repository.SessionRepository
	Appointments AppointmentGateway
	Tokens       MediaTokenService
	Policy       AccessPolicy
	Timeout      time.Duration
}

// Create creates a session for an appointment, or joins the requester into the one already running.
func (s *SessionService) Create(ctx context.Context, appointmentID string, requester models.Requester) (models.CreateResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Create")
	defer span.Finish()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	appointmentID = strings.TrimSpace(appointmentID)
	if appointmentID == "" {
		err := fmt.Errorf("%w: appointmentId is empty", models.ErrInvalidInput)
		span.LogFields(tracelog.Error(err))
		return models.CreateResult{}, err
	}

	appointment, err := s.authorize(ctx, appointmentID, requester)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CreateResult{}, err
	}

	var res models.CreateResult
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		res, err = s.createOrJoin(ctx, appointment, requester)
		if !errors.Is(err, repository.ErrConflict) {
			break
		}
		log.Info("lost session creation race, retrying", zap.String("appointmentId", appointmentID), zap.Int("attempt", attempt))
	}
	if err != nil {
		err = storageErr(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.CreateResult{}, err
	}

	if res.IsNewSession {
		sessionsCreated.Inc()
		go s.markInProgress(appointmentID)
	}
	sessionsJoined.WithLabelValues(string(requester.UserType)).Inc()

	span.LogFields(tracelog.Bool("success", true), tracelog.Bool("isNewSession", res.IsNewSession))
	return res, nil
}

func (s *SessionService) createOrJoin(ctx context.Context, appointment models.Appointment, requester models.Requester) (models.CreateResult, error) {
	var res models.CreateResult
	err := s.SessionRepo.Transaction(ctx, func(tx repository.SessionTx) error {
		res = models.CreateResult{}
		err := tx.LockAppointment(ctx, appointment.ID)
		if err != nil {
			return err
		}

		existing, found, err := tx.FindByAppointment(ctx, appointment.ID)
		if err != nil {
			return err
		}

		if found && existing.Status.Terminal() {
			log.Info("discarding terminated session", zap.String("sessionId", existing.ID), zap.String("appointmentId", appointment.ID))
			err = tx.DeleteSession(ctx, existing.ID)
			if err != nil {
				return err
			}
			found = false
		}

		if found {
			res.JoinedExisting = len(existing.ActiveParticipants()) > 0
			session, grant, err := s.addParticipant(ctx, tx, existing, requester)
			if err != nil {
				return err
			}
			res.Session = session
			res.Grant = grant
			return nil
		}

		now := getNow()
		session := models.VideoSession{
			ID:            id.New(),
			AppointmentID: appointment.ID,
			Status:        models.StatusActive,
			CreatedAt:     now,
			StartedAt:     &now,
			UpdatedAt:     now,
		}

		grant, err := s.issueToken(ctx, &session, requester)
		if err != nil {
			return err
		}

		err = tx.SaveSession(ctx, session)
		if err != nil {
			return err
		}

		participant := newParticipant(session.ID, requester, now)
		err = tx.SaveParticipant(ctx, participant)
		if err != nil {
			return err
		}
		session.Participants = []models.Participant{participant}

		res.Session = session
		res.Grant = grant
		res.IsNewSession = true
		return nil
	})

	return res, err
}

// Join adds or reactivates the requester as a participant of a waiting or active session.
func (s *SessionService) Join(ctx context.Context, sessionID string, requester models.Requester) (models.JoinResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Join")
	defer span.Finish()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.findJoinable(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.JoinResult{}, err
	}

	_, err = s.authorize(ctx, session.AppointmentID, requester)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.JoinResult{}, err
	}

	var res models.JoinResult
	err = s.SessionRepo.Transaction(ctx, func(tx repository.SessionTx) error {
		current, err := lockAndFind(ctx, tx, session.ID)
		if err != nil {
			return err
		}

		if !current.Status.Joinable() {
			return invalidStateErr(current)
		}

		updated, grant, err := s.addParticipant(ctx, tx, current, requester)
		if err != nil {
			return err
		}

		res = models.JoinResult{Session: updated, Grant: grant}
		return nil
	})
	if err != nil {
		err = storageErr(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.JoinResult{}, err
	}

	sessionsJoined.WithLabelValues(string(requester.UserType)).Inc()
	span.LogFields(tracelog.Bool("success", true))
	return res, nil
}

// addParticipant inserts or reactivates the requesters participant row, activates the session if needed and issues a media token.
func (s *SessionService) addParticipant(
	ctx context.Context,
	tx repository.SessionTx,
	session models.VideoSession,
	requester models.Requester,
) (models.VideoSession, models.MediaGrant, error) {
	now := getNow()
	participant, found, err := tx.FindParticipant(ctx, session.ID, requester.UserID)
	if err != nil {
		return models.VideoSession{}, models.MediaGrant{}, err
	}

	switch {
	case !found:
		participant = newParticipant(session.ID, requester, now)
		err = tx.SaveParticipant(ctx, participant)
	case !participant.IsActive:
		participant.JoinedAt = now
		participant.LeftAt = nil
		participant.IsActive = true
		participant.Role = requester.Role
		err = tx.UpdateParticipant(ctx, participant)
	}
	if err != nil {
		return models.VideoSession{}, models.MediaGrant{}, err
	}
	session.Participants = upsertParticipant(session.Participants, participant)

	changed := false
	if session.Status != models.StatusActive {
		session.Status = models.StatusActive
		if session.StartedAt == nil {
			session.StartedAt = &now
		}
		changed = true
	}

	previous := session.MediaSessionID
	grant, err := s.issueToken(ctx, &session, requester)
	if err != nil {
		return models.VideoSession{}, models.MediaGrant{}, err
	}

	if changed || previous != session.MediaSessionID {
		err = tx.UpdateSession(ctx, session)
		if err != nil {
			return models.VideoSession{}, models.MediaGrant{}, err
		}
	}

	return session, grant, nil
}

// Leave marks the requesters participant row inactive and ends the session when the last participant leaves.
func (s *SessionService) Leave(ctx context.Context, sessionID string, requester models.Requester) (models.VideoSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Leave")
	defer span.Finish()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if strings.TrimSpace(sessionID) == "" {
		return models.VideoSession{}, fmt.Errorf("%w: sessionId is empty", models.ErrInvalidInput)
	}

	var session models.VideoSession
	ended := false
	err := s.SessionRepo.Transaction(ctx, func(tx repository.SessionTx) error {
		current, err := lockAndFind(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		participant, found, err := tx.FindParticipant(ctx, sessionID, requester.UserID)
		if err != nil {
			return err
		}
		if !found || !participant.IsActive {
			return fmt.Errorf("%w: %s is not an active participant of session(id=%s)", models.ErrInvalidState, requester, sessionID)
		}

		now := getNow()
		participant.IsActive = false
		participant.LeftAt = &now
		err = tx.UpdateParticipant(ctx, participant)
		if err != nil {
			return err
		}
		current.Participants = upsertParticipant(current.Participants, participant)

		remaining, err := tx.CountActiveParticipants(ctx, sessionID)
		if err != nil {
			return err
		}

		if remaining == 0 {
			current, ended, err = endInTx(ctx, tx, current, models.ReasonCompleted)
			if err != nil {
				return err
			}
		}

		session = current
		return nil
	})
	if err != nil {
		err = storageErr(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.VideoSession{}, err
	}

	if ended {
		sessionsEnded.WithLabelValues(string(models.ReasonCompleted)).Inc()
		log.Info("last participant left, session ended", zap.String("sessionId", sessionID))
	}

	span.LogFields(tracelog.Bool("success", true), tracelog.Bool("ended", ended))
	return session, nil
}

// End terminates a session. Ending an already terminated session is a no-op.
func (s *SessionService) End(ctx context.Context, sessionID string, reason models.EndReason) (models.VideoSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.End")
	defer span.Finish()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if strings.TrimSpace(sessionID) == "" {
		return models.VideoSession{}, fmt.Errorf("%w: sessionId is empty", models.ErrInvalidInput)
	}
	if !reason.Valid() {
		return models.VideoSession{}, fmt.Errorf("%w: unknown end reason %q", models.ErrInvalidInput, reason)
	}

	var session models.VideoSession
	ended := false
	err := s.SessionRepo.Transaction(ctx, func(tx repository.SessionTx) error {
		current, err := lockAndFind(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		session, ended, err = endInTx(ctx, tx, current, reason)
		return err
	})
	if err != nil {
		err = storageErr(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		return models.VideoSession{}, err
	}

	if ended {
		sessionsEnded.WithLabelValues(string(reason)).Inc()
		log.Info("session ended", zap.String("sessionId", sessionID), zap.String("reason", string(reason)))
	}

	span.LogFields(tracelog.Bool("success", true), tracelog.Bool("ended", ended))
	return session, nil
}

// EndAs ends a session on behalf of a member of staff allowed to access its appointment.
func (s *SessionService) EndAs(ctx context.Context, sessionID string, requester models.Requester, reason models.EndReason) (models.VideoSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.EndAs")
	defer span.Finish()

	if !requester.IsStaff() {
		err := fmt.Errorf("%w: only staff may end a session, got %s", models.ErrForbidden, requester)
		span.LogFields(tracelog.Error(err))
		return models.VideoSession{}, err
	}

	session, err := s.Find(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.VideoSession{}, err
	}

	_, err = s.authorize(ctx, session.AppointmentID, requester)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.VideoSession{}, err
	}

	log.Info("session ended by staff", zap.String("sessionId", sessionID), zap.Stringer("requester", requester))
	return s.End(ctx, sessionID, reason)
}

func endInTx(ctx context.Context, tx repository.SessionTx, session models.VideoSession, reason models.EndReason) (models.VideoSession, bool, error) {
	if session.Status.Terminal() {
		return session, false, nil
	}

	now := getNow()
	session.Status = reason.TerminalStatus()
	session.EndedAt = &now
	session.EndReason = reason

	err := tx.UpdateSession(ctx, session)
	if err != nil {
		return models.VideoSession{}, false, err
	}

	err = tx.DeactivateParticipants(ctx, session.ID, now)
	if err != nil {
		return models.VideoSession{}, false, err
	}

	for i := range session.Participants {
		if session.Participants[i].IsActive {
			session.Participants[i].IsActive = false
			session.Participants[i].LeftAt = &now
		}
	}

	return session, true, nil
}

// Find returns a session with all of its participants.
func (s *SessionService) Find(ctx context.Context, sessionID string) (models.VideoSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionService.Find")
	defer span.Finish()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if strings.TrimSpace(sessionID) == "" {
		return models.VideoSession{}, fmt.Errorf("%w: sessionId is empty", models.ErrInvalidInput)
	}

	session, found, err := s.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		err = storageErr(err)
		span.LogFields(tracelog.Error(err))
		return models.VideoSession{}, err
	}
	if !found {
		return models.VideoSession{}, sessionNotFoundErr(sessionID)
	}

	return session, nil
}

// VerifyParticipant checks that a user may connect to the live call of a session.
// The requester must match the type and role of its active participant row.
func (s *SessionService) VerifyParticipant(ctx context.Context, sessionID string, requester models.Requester) (models.VideoSession, error) {
	session, err := s.Find(ctx, sessionID)
	if err != nil {
		return models.VideoSession{}, err
	}

	if !session.Status.Joinable() {
		return models.VideoSession{}, invalidStateErr(session)
	}

	for _, p := range session.ActiveParticipants() {
		if p.UserID != requester.UserID {
			continue
		}
		if p.UserType != requester.UserType || p.Role != requester.Role {
			return models.VideoSession{}, fmt.Errorf("%w: %s joined session(id=%s) as %s", models.ErrForbidden, requester, sessionID, p)
		}
		return session, nil
	}

	return models.VideoSession{}, fmt.Errorf("%w: user(id=%s) has not joined session(id=%s)", models.ErrForbidden, requester.UserID, sessionID)
}

func (s *SessionService) findJoinable(ctx context.Context, sessionID string) (models.VideoSession, error) {
	if strings.TrimSpace(sessionID) == "" {
		return models.VideoSession{}, fmt.Errorf("%w: sessionId is empty", models.ErrInvalidInput)
	}

	session, found, err := s.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		return models.VideoSession{}, storageErr(err)
	}
	if !found {
		return models.VideoSession{}, sessionNotFoundErr(sessionID)
	}
	if !session.Status.Joinable() {
		return models.VideoSession{}, invalidStateErr(session)
	}

	return session, nil
}

func (s *SessionService) authorize(ctx context.Context, appointmentID string, requester models.Requester) (models.Appointment, error) {
	err := requester.Validate()
	if err != nil {
		return models.Appointment{}, err
	}

	appointment, err := s.Appointments.Find(ctx, appointmentID)
	if err != nil {
		return models.Appointment{}, err
	}

	err = s.Policy.Authorize(appointment, requester)
	if err != nil {
		return models.Appointment{}, err
	}

	return appointment, nil
}

// issueToken issues a media token and records the media session the token is bound to.
func (s *SessionService) issueToken(ctx context.Context, session *models.VideoSession, requester models.Requester) (models.MediaGrant, error) {
	grant, err := s.Tokens.Issue(ctx, *session, requester)
	if err != nil {
		if !errors.Is(err, models.ErrUpstream) {
			err = fmt.Errorf("%w: failed to issue media token: %v", models.ErrUpstream, err)
		}
		return models.MediaGrant{}, err
	}

	if session.MediaSessionID == "" {
		session.MediaSessionID = grant.MediaSessionID
	}
	if session.RelayServer == "" {
		session.RelayServer = grant.RelayServer
	}

	return grant, nil
}

func (s *SessionService) markInProgress(appointmentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	err := s.Appointments.MarkInProgress(ctx, appointmentID)
	if err != nil {
		log.Warn("failed to mark appointment as in progress", zap.String("appointmentId", appointmentID), zap.Error(err))
	}
}

func (s *SessionService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return context.WithTimeout(ctx, timeout)
}

func lockAndFind(ctx context.Context, tx repository.SessionTx, sessionID string) (models.VideoSession, error) {
	_, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return models.VideoSession{}, err
	}

	session, found, err := tx.Find(ctx, sessionID)
	if err != nil {
		return models.VideoSession{}, err
	}
	if !found {
		return models.VideoSession{}, sessionNotFoundErr(sessionID)
	}

	return session, nil
}

func newParticipant(sessionID string, requester models.Requester, now time.Time) models.Participant {
	return models.Participant{
		ID:             id.New(),
		VideoSessionID: sessionID,
		UserType:       requester.UserType,
		UserID:         requester.UserID,
		Role:           requester.Role,
		JoinedAt:       now,
		IsActive:       true,
	}
}

func upsertParticipant(participants []models.Participant, p models.Participant) []models.Participant {
	for i := range participants {
		if participants[i].ID == p.ID {
			participants[i] = p
			return participants
		}
	}

	return append(participants, p)
}

// storageErr classifies errors without a known kind as storage failures.
func storageErr(err error) error {
	for _, kind := range []error{
		models.ErrInvalidInput,
		models.ErrNotFound,
		models.ErrForbidden,
		models.ErrInvalidState,
		models.ErrUpstream,
		models.ErrStorage,
	} {
		if errors.Is(err, kind) {
			return err
		}
	}

	return fmt.Errorf("%w: %v", models.ErrStorage, err)
}

func sessionNotFoundErr(sessionID string) error {
	return fmt.Errorf("%w: session(id=%s)", models.ErrNotFound, sessionID)
}

func invalidStateErr(session models.VideoSession) error {
	return fmt.Errorf("%w: session(id=%s) has status %s", models.ErrInvalidState, session.ID, session.Status)
}

func getNow() time.Time {
	return time.Now().UTC()
}
