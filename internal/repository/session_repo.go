package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/session-manager/internal/models"
)

// ErrConflict returned when a write lost a race against a concurrent transaction
// (unique constraint or deadlock). The whole transaction may be retried.
var ErrConflict = errors.New("conflicting write")

// SessionRepository persistance interface for video sessions.
type SessionRepository interface {
	Find(ctx context.Context, id string) (models.VideoSession, bool, error)
	FindByAppointment(ctx context.Context, appointmentID string) (models.VideoSession, bool, error)
	Transaction(ctx context.Context, fn func(tx SessionTx) error) error
}

// SessionTx operations available within a single database transaction.
type SessionTx interface {
	LockSession(ctx context.Context, id string) (bool, error)
	LockAppointment(ctx context.Context, appointmentID string) error
	Find(ctx context.Context, id string) (models.VideoSession, bool, error)
	FindByAppointment(ctx context.Context, appointmentID string) (models.VideoSession, bool, error)
	FindParticipant(ctx context.Context, sessionID, userID string) (models.Participant, bool, error)
	CountActiveParticipants(ctx context.Context, sessionID string) (int, error)
	SaveSession(ctx context.Context, session models.VideoSession) error
	UpdateSession(ctx context.Context, session models.VideoSession) error
	DeleteSession(ctx context.Context, id string) error
	SaveParticipant(ctx context.Context, participant models.Participant) error
	UpdateParticipant(ctx context.Context, participant models.Participant) error
	DeactivateParticipants(ctx context.Context, sessionID string, leftAt time.Time) error
}

// NewSessionRepository creates a new SQL SessionRepository.
func NewSessionRepository(db *sql.DB) SessionRepository {
	return &sessionRepo{
		db: db,
	}
}

type sessionRepo struct {
	db *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (r *sessionRepo) Find(ctx context.Context, id string) (models.VideoSession, bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_find")
	defer span.Finish()

	session, ok, err := findSession(ctx, r.db, findSessionQuery, id)
	if err != nil {
		span.LogFields(tracelog.Error(err))
	}

	return session, ok, err
}

func (r *sessionRepo) FindByAppointment(ctx context.Context, appointmentID string) (models.VideoSession, bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_find_by_appointment")
	defer span.Finish()

	session, ok, err := findSession(ctx, r.db, findSessionByAppointmentQuery, appointmentID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
	}

	return session, ok, err
}

func (r *sessionRepo) Transaction(ctx context.Context, fn func(tx SessionTx) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "session_repo_transaction")
	defer span.Finish()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("failed to create database transaction %w", err)
		span.LogFields(tracelog.Error(err))
		return err
	}
	defer dbutil.Rollback(tx)

	err = fn(&sessionTx{tx: tx})
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return err
	}

	err = tx.Commit()
	if err != nil {
		err = wrapWriteErr("failed to commit transaction", err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

type sessionTx struct {
	tx *sql.Tx
}

const lockSessionQuery = `
	UPDATE video_session
	SET updated_at = ?
	WHERE id = ?`

// LockSession touches the session row so concurrent transactions on the same session serialize.
func (t *sessionTx) LockSession(ctx context.Context, id string) (bool, error) {
	res, err := t.tx.ExecContext(ctx, lockSessionQuery, getNow(), id)
	if err != nil {
		return false, wrapWriteErr("failed to lock session", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows %w", err)
	}

	return n > 0, nil
}

const lockAppointmentQuery = `
	UPDATE video_session
	SET updated_at = ?
	WHERE appointment_id = ?`

func (t *sessionTx) LockAppointment(ctx context.Context, appointmentID string) error {
	_, err := t.tx.ExecContext(ctx, lockAppointmentQuery, getNow(), appointmentID)
	if err != nil {
		return wrapWriteErr("failed to lock appointment session", err)
	}

	return nil
}

func (t *sessionTx) Find(ctx context.Context, id string) (models.VideoSession, bool, error) {
	return findSession(ctx, t.tx, findSessionQuery, id)
}

func (t *sessionTx) FindByAppointment(ctx context.Context, appointmentID string) (models.VideoSession, bool, error) {
	return findSession(ctx, t.tx, findSessionByAppointmentQuery, appointmentID)
}

const sessionColumns = `
		id,
		appointment_id,
		media_session_id,
		relay_server,
		status,
		created_at,
		started_at,
		ended_at,
		end_reason,
		updated_at`

const findSessionQuery = `
	SELECT ` + sessionColumns + `
	FROM video_session
	WHERE
		id = ?`

const findSessionByAppointmentQuery = `
	SELECT ` + sessionColumns + `
	FROM video_session
	WHERE
		appointment_id = ?`

func findSession(ctx context.Context, q querier, query, arg string) (models.VideoSession, bool, error) {
	var s models.VideoSession
	var mediaSessionID, relayServer, endReason sql.NullString
	err := q.QueryRowContext(ctx, query, arg).Scan(
		&s.ID,
		&s.AppointmentID,
		&mediaSessionID,
		&relayServer,
		&s.Status,
		&s.CreatedAt,
		&s.StartedAt,
		&s.EndedAt,
		&endReason,
		&s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return models.VideoSession{}, false, nil
	}
	if err != nil {
		return models.VideoSession{}, false, fmt.Errorf("failed to query database. %w", err)
	}
	s.MediaSessionID = mediaSessionID.String
	s.RelayServer = relayServer.String
	s.EndReason = models.EndReason(endReason.String)

	participants, err := findParticipants(ctx, q, s.ID)
	if err != nil {
		return models.VideoSession{}, false, err
	}
	s.Participants = participants

	return s, true, nil
}

const participantColumns = `
		id,
		video_session_id,
		user_type,
		user_id,
		role,
		joined_at,
		left_at,
		is_active`

const findParticipantsQuery = `
	SELECT ` + participantColumns + `
	FROM session_participant
	WHERE
		video_session_id = ?
	ORDER BY joined_at`

func findParticipants(ctx context.Context, q querier, sessionID string) ([]models.Participant, error) {
	rows, err := q.QueryContext(ctx, findParticipantsQuery, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query for participants %w", err)
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate participants %w", err)
	}

	return participants, nil
}

const findParticipantQuery = `
	SELECT ` + participantColumns + `
	FROM session_participant
	WHERE
		video_session_id = ?
		AND user_id = ?`

func (t *sessionTx) FindParticipant(ctx context.Context, sessionID, userID string) (models.Participant, bool, error) {
	p, err := scanParticipant(t.tx.QueryRowContext(ctx, findParticipantQuery, sessionID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, false, nil
	}
	if err != nil {
		return models.Participant{}, false, err
	}

	return p, true, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanParticipant(row scanner) (models.Participant, error) {
	var p models.Participant
	var role sql.NullString
	err := row.Scan(&p.ID, &p.VideoSessionID, &p.UserType, &p.UserID, &role, &p.JoinedAt, &p.LeftAt, &p.IsActive)
	if err != nil {
		return models.Participant{}, fmt.Errorf("failed to scan participant %w", err)
	}
	p.Role = role.String

	return p, nil
}

const countActiveParticipantsQuery = `
	SELECT COUNT(*)
	FROM session_participant
	WHERE
		video_session_id = ?
		AND is_active = ?`

func (t *sessionTx) CountActiveParticipants(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, countActiveParticipantsQuery, sessionID, true).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active participants %w", err)
	}

	return count, nil
}

const insertSessionQuery = `
	INSERT INTO video_session(
			id,
			appointment_id,
			media_session_id,
			relay_server,
			status,
			created_at,
			started_at,
			ended_at,
			end_reason,
			updated_at
		)
	VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (t *sessionTx) SaveSession(ctx context.Context, s models.VideoSession) error {
	_, err := t.tx.ExecContext(
		ctx,
		insertSessionQuery,
		s.ID,
		s.AppointmentID,
		nullString(s.MediaSessionID),
		nullString(s.RelayServer),
		s.Status,
		s.CreatedAt,
		s.StartedAt,
		s.EndedAt,
		nullString(string(s.EndReason)),
		getNow(),
	)
	if err != nil {
		return wrapWriteErr("failed to insert row into database.", err)
	}

	return nil
}

const updateSessionQuery = `
	UPDATE video_session
	SET
		media_session_id = ?,
		relay_server = ?,
		status = ?,
		started_at = ?,
		ended_at = ?,
		end_reason = ?,
		updated_at = ?
	WHERE
		id = ?`

func (t *sessionTx) UpdateSession(ctx context.Context, s models.VideoSession) error {
	_, err := t.tx.ExecContext(
		ctx,
		updateSessionQuery,
		nullString(s.MediaSessionID),
		nullString(s.RelayServer),
		s.Status,
		s.StartedAt,
		s.EndedAt,
		nullString(string(s.EndReason)),
		getNow(),
		s.ID,
	)
	if err != nil {
		return wrapWriteErr("failed to update session.", err)
	}

	return nil
}

const deleteParticipantsQuery = `DELETE FROM session_participant WHERE video_session_id = ?`

const deleteSessionQuery = `DELETE FROM video_session WHERE id = ?`

func (t *sessionTx) DeleteSession(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, deleteParticipantsQuery, id)
	if err != nil {
		return wrapWriteErr("failed to delete participants.", err)
	}

	_, err = t.tx.ExecContext(ctx, deleteSessionQuery, id)
	if err != nil {
		return wrapWriteErr("failed to delete session.", err)
	}

	return nil
}

const insertParticipantQuery = `
	INSERT INTO session_participant(
			id,
			video_session_id,
			user_type,
			user_id,
			role,
			joined_at,
			left_at,
			is_active
		)
	VALUES
		(?, ?, ?, ?, ?, ?, ?, ?)`

func (t *sessionTx) SaveParticipant(ctx context.Context, p models.Participant) error {
	_, err := t.tx.ExecContext(
		ctx,
		insertParticipantQuery,
		p.ID,
		p.VideoSessionID,
		p.UserType,
		p.UserID,
		nullString(p.Role),
		p.JoinedAt,
		p.LeftAt,
		p.IsActive,
	)
	if err != nil {
		return wrapWriteErr("failed to insert row into database.", err)
	}

	return nil
}

const updateParticipantQuery = `
	UPDATE session_participant
	SET
		role = ?,
		joined_at = ?,
		left_at = ?,
		is_active = ?
	WHERE
		id = ?`

func (t *sessionTx) UpdateParticipant(ctx context.Context, p models.Participant) error {
	_, err := t.tx.ExecContext(ctx, updateParticipantQuery, nullString(p.Role), p.JoinedAt, p.LeftAt, p.IsActive, p.ID)
	if err != nil {
		return wrapWriteErr("failed to update participant.", err)
	}

	return nil
}

const deactivateParticipantsQuery = `
	UPDATE session_participant
	SET
		left_at = ?,
		is_active = ?
	WHERE
		video_session_id = ?
		AND is_active = ?`

func (t *sessionTx) DeactivateParticipants(ctx context.Context, sessionID string, leftAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, deactivateParticipantsQuery, leftAt, false, sessionID, true)
	if err != nil {
		return wrapWriteErr("failed to deactivate participants.", err)
	}

	return nil
}

func wrapWriteErr(msg string, err error) error {
	if isConflict(err) {
		return fmt.Errorf("%s %v: %w", msg, err, ErrConflict)
	}

	return fmt.Errorf("%s %w", msg, err)
}

// isConflict detects unique violations and lock conflicts for both supported drivers.
func isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.Code == sqlite3.ErrBusy ||
			sqliteErr.Code == sqlite3.ErrLocked
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry || mysqlErr.Number == mysqlDeadlock
	}

	return false
}

const (
	mysqlDuplicateEntry = 1062
	mysqlDeadlock       = 1213
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func getNow() time.Time {
	return time.Now().UTC()
}
