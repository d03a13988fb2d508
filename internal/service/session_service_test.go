package service_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/id"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rtcheap/session-manager/internal/models"
	"github.com/rtcheap/session-manager/internal/repository"
	"github.com/rtcheap/session-manager/internal/service"
	"github.com/stretchr/testify/assert"
)

var (
	patient  = models.Requester{UserID: "patient-1", UserType: models.UserTypePatient}
	doctor   = models.Requester{UserID: "doctor-1", UserType: models.UserTypeStaff, Role: models.RoleDoctor}
	operator = models.Requester{UserID: "operator-1", UserType: models.UserTypeStaff, Role: models.RoleOperator}
	stranger = models.Requester{UserID: "patient-2", UserType: models.UserTypePatient}
)

func TestCreateSession(t *testing.T) {
	assert := assert.New(t)
	s, ctx, e := createService(t)

	res, err := s.Create(ctx, "42", patient)
	assert.NoError(err)
	assert.True(res.IsNewSession)
	assert.False(res.JoinedExisting)
	assert.NotEmpty(res.Session.ID)
	assert.Equal(models.StatusActive, res.Session.Status)
	assert.NotNil(res.Session.StartedAt)
	assert.NotEmpty(res.Grant.Token)
	assert.Equal(res.Grant.MediaSessionID, res.Session.MediaSessionID)

	stored, ok, err := s.SessionRepo.Find(ctx, res.Session.ID)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal("42", stored.AppointmentID)
	assert.Equal(models.StatusActive, stored.Status)
	assert.Equal(res.Grant.MediaSessionID, stored.MediaSessionID)
	assert.Equal("turn-1:3478", stored.RelayServer)
	assert.Len(stored.Participants, 1)
	assert.Equal(patient.UserID, stored.Participants[0].UserID)
	assert.True(stored.Participants[0].IsActive)

	select {
	case appointmentID := <-e.appointments.inProgress:
		assert.Equal("42", appointmentID)
	case <-time.After(time.Second):
		t.Fatal("appointment was never marked as in progress")
	}
}

func TestCreateSession_Errors(t *testing.T) {
	assert := assert.New(t)
	s, ctx, e := createService(t)

	type testCase struct {
		appointmentID string
		requester     models.Requester
		expected      error
	}

	e.appointments.failures["500"] = fmt.Errorf("%w: appointment service unavailable", models.ErrUpstream)
	cases := []testCase{
		{appointmentID: "", requester: patient, expected: models.ErrInvalidInput},
		{appointmentID: "   ", requester: patient, expected: models.ErrInvalidInput},
		{appointmentID: "42", requester: models.Requester{UserType: models.UserTypePatient}, expected: models.ErrInvalidInput},
		{appointmentID: "42", requester: models.Requester{UserID: "x", UserType: "nurse"}, expected: models.ErrInvalidInput},
		{appointmentID: "404", requester: patient, expected: models.ErrNotFound},
		{appointmentID: "42", requester: stranger, expected: models.ErrForbidden},
		{appointmentID: "42", requester: operator, expected: models.ErrForbidden},
		{appointmentID: "500", requester: patient, expected: models.ErrUpstream},
	}

	for i, tc := range cases {
		_, err := s.Create(ctx, tc.appointmentID, tc.requester)
		assert.True(errors.Is(err, tc.expected), fmt.Sprintf("Test case %d failed: %v", i, err))
	}

	_, found, err := s.SessionRepo.FindByAppointment(ctx, "42")
	assert.NoError(err)
	assert.False(found)
}

func TestCreateSession_JoinsActiveSession(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	first, err := s.Create(ctx, "42", patient)
	assert.NoError(err)

	second, err := s.Create(ctx, "42", doctor)
	assert.NoError(err)
	assert.False(second.IsNewSession)
	assert.True(second.JoinedExisting)
	assert.Equal(first.Session.ID, second.Session.ID)
	assert.Equal(first.Session.MediaSessionID, second.Session.MediaSessionID)
	assert.NotEmpty(second.Grant.Token)

	stored, _, err := s.SessionRepo.Find(ctx, first.Session.ID)
	assert.NoError(err)
	assert.Len(stored.ActiveParticipants(), 2)
}

func TestCreateSession_Concurrent(t *testing.T) {
	assert := assert.New(t)
	s, ctx, e := createService(t)

	requesters := []models.Requester{patient, doctor}
	for i := 0; i < 6; i++ {
		staffID := fmt.Sprintf("doctor-%d", i+2)
		e.appointments.appointments["42"] = addStaff(e.appointments.appointments["42"], staffID)
		requesters = append(requesters, models.Requester{UserID: staffID, UserType: models.UserTypeStaff, Role: models.RoleDoctor})
	}

	results := make([]models.CreateResult, len(requesters))
	errs := make([]error, len(requesters))
	wg := sync.WaitGroup{}
	for i := range requesters {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = s.Create(ctx, "42", requesters[idx])
		}(i)
	}
	wg.Wait()

	newSessions := 0
	for i, res := range results {
		assert.NoError(errs[i])
		assert.Equal(results[0].Session.ID, res.Session.ID)
		if res.IsNewSession {
			newSessions++
		} else {
			assert.True(res.JoinedExisting)
		}
	}
	assert.Equal(1, newSessions)

	stored, found, err := s.SessionRepo.FindByAppointment(ctx, "42")
	assert.NoError(err)
	assert.True(found)
	assert.Equal(models.StatusActive, stored.Status)
	assert.Len(stored.ActiveParticipants(), len(requesters))
}

func TestCreateSession_ReplacesEndedSession(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	first, err := s.Create(ctx, "42", patient)
	assert.NoError(err)
	_, err = s.End(ctx, first.Session.ID, models.ReasonCompleted)
	assert.NoError(err)

	second, err := s.Create(ctx, "42", doctor)
	assert.NoError(err)
	assert.True(second.IsNewSession)
	assert.False(second.JoinedExisting)
	assert.NotEqual(first.Session.ID, second.Session.ID)

	_, found, err := s.SessionRepo.Find(ctx, first.Session.ID)
	assert.NoError(err)
	assert.False(found)
}

func TestCreateSession_ReusesWaitingSession(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	waiting := models.VideoSession{
		ID:            id.New(),
		AppointmentID: "42",
		Status:        models.StatusWaiting,
		CreatedAt:     time.Now().UTC(),
	}
	err := s.SessionRepo.Transaction(ctx, func(tx repository.SessionTx) error {
		return tx.SaveSession(ctx, waiting)
	})
	assert.NoError(err)

	res, err := s.Create(ctx, "42", doctor)
	assert.NoError(err)
	assert.False(res.IsNewSession)
	assert.False(res.JoinedExisting)
	assert.Equal(waiting.ID, res.Session.ID)
	assert.Equal(models.StatusActive, res.Session.Status)

	stored, _, err := s.SessionRepo.Find(ctx, waiting.ID)
	assert.NoError(err)
	assert.Equal(models.StatusActive, stored.Status)
	assert.NotNil(stored.StartedAt)
	assert.NotEmpty(stored.MediaSessionID)
	assert.Len(stored.ActiveParticipants(), 1)
}

func TestCreateSession_TokenFailureLeavesNoSession(t *testing.T) {
	assert := assert.New(t)
	s, ctx, e := createService(t)
	e.tokens.err = errors.New("relay registry unreachable")

	_, err := s.Create(ctx, "42", patient)
	assert.True(errors.Is(err, models.ErrUpstream))

	_, found, err := s.SessionRepo.FindByAppointment(ctx, "42")
	assert.NoError(err)
	assert.False(found)
}

func TestJoinSession_Idempotent(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	created, err := s.Create(ctx, "42", patient)
	assert.NoError(err)

	first, err := s.Join(ctx, created.Session.ID, doctor)
	assert.NoError(err)
	assert.Equal(created.Session.ID, first.Session.ID)
	assert.Equal(models.StatusActive, first.Session.Status)
	assert.NotEmpty(first.Grant.Token)

	stored, _, err := s.SessionRepo.Find(ctx, created.Session.ID)
	assert.NoError(err)
	joinedAt := findParticipant(stored, doctor.UserID).JoinedAt

	time.Sleep(5 * time.Millisecond)
	second, err := s.Join(ctx, created.Session.ID, doctor)
	assert.NoError(err)
	assert.Equal(created.Session.ID, second.Session.ID)
	assert.NotEqual(first.Grant.Token, second.Grant.Token)

	stored, _, err = s.SessionRepo.Find(ctx, created.Session.ID)
	assert.NoError(err)
	assert.Len(stored.Participants, 2)
	p := findParticipant(stored, doctor.UserID)
	assert.True(p.IsActive)
	assert.True(p.JoinedAt.Equal(joinedAt))
}

func TestJoinSession_ReactivatesParticipant(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	created, err := s.Create(ctx, "42", patient)
	assert.NoError(err)
	_, err = s.Join(ctx, created.Session.ID, doctor)
	assert.NoError(err)

	_, err = s.Leave(ctx, created.Session.ID, doctor)
	assert.NoError(err)

	stored, _, err := s.SessionRepo.Find(ctx, created.Session.ID)
	assert.NoError(err)
	left := findParticipant(stored, doctor.UserID)
	assert.False(left.IsActive)
	assert.NotNil(left.LeftAt)
	assert.Equal(models.StatusActive, stored.Status)

	time.Sleep(5 * time.Millisecond)
	_, err = s.Join(ctx, created.Session.ID, doctor)
	assert.NoError(err)

	stored, _, err = s.SessionRepo.Find(ctx, created.Session.ID)
	assert.NoError(err)
	assert.Len(stored.Participants, 2)
	rejoined := findParticipant(stored, doctor.UserID)
	assert.Equal(left.ID, rejoined.ID)
	assert.True(rejoined.IsActive)
	assert.Nil(rejoined.LeftAt)
	assert.True(rejoined.JoinedAt.After(left.JoinedAt))
}

func TestJoinSession_Errors(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	created, err := s.Create(ctx, "42", patient)
	assert.NoError(err)

	_, err = s.Join(ctx, "", doctor)
	assert.True(errors.Is(err, models.ErrInvalidInput))

	_, err = s.Join(ctx, id.New(), doctor)
	assert.True(errors.Is(err, models.ErrNotFound))

	_, err = s.Join(ctx, created.Session.ID, stranger)
	assert.True(errors.Is(err, models.ErrForbidden))

	_, err = s.End(ctx, created.Session.ID, models.ReasonCancelled)
	assert.NoError(err)

	_, err = s.Join(ctx, created.Session.ID, patient)
	assert.True(errors.Is(err, models.ErrInvalidState))
}

func TestLeaveSession_LastParticipantEndsSession(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	created, err := s.Create(ctx, "42", patient)
	assert.NoError(err)
	_, err = s.Join(ctx, created.Session.ID, doctor)
	assert.NoError(err)

	session, err := s.Leave(ctx, created.Session.ID, patient)
	assert.NoError(err)
	assert.Equal(models.StatusActive, session.Status)

	_, err = s.Leave(ctx, created.Session.ID, patient)
	assert.True(errors.Is(err, models.ErrInvalidState))

	session, err = s.Leave(ctx, created.Session.ID, doctor)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, session.Status)
	assert.Equal(models.ReasonCompleted, session.EndReason)
	assert.NotNil(session.EndedAt)

	stored, _, err := s.SessionRepo.Find(ctx, created.Session.ID)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, stored.Status)
	assert.Equal(models.ReasonCompleted, stored.EndReason)
	assert.NotNil(stored.EndedAt)
	assert.Len(stored.ActiveParticipants(), 0)

	_, err = s.Leave(ctx, id.New(), doctor)
	assert.True(errors.Is(err, models.ErrNotFound))
}

func TestLeaveSession_ConcurrentLeavesEndOnce(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	created, err := s.Create(ctx, "42", patient)
	assert.NoError(err)
	_, err = s.Join(ctx, created.Session.ID, doctor)
	assert.NoError(err)

	wg := sync.WaitGroup{}
	for _, r := range []models.Requester{patient, doctor} {
		wg.Add(1)
		go func(requester models.Requester) {
			defer wg.Done()
			_, err := s.Leave(ctx, created.Session.ID, requester)
			assert.NoError(err)
		}(r)
	}
	wg.Wait()

	stored, _, err := s.SessionRepo.Find(ctx, created.Session.ID)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, stored.Status)
	assert.Equal(models.ReasonCompleted, stored.EndReason)
	endedAt := *stored.EndedAt

	again, err := s.End(ctx, created.Session.ID, models.ReasonCompleted)
	assert.NoError(err)
	assert.True(again.EndedAt.Equal(endedAt))
}

func TestEndSession(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	created, err := s.Create(ctx, "42", patient)
	assert.NoError(err)
	_, err = s.Join(ctx, created.Session.ID, doctor)
	assert.NoError(err)

	_, err = s.End(ctx, created.Session.ID, "finished")
	assert.True(errors.Is(err, models.ErrInvalidInput))

	_, err = s.End(ctx, id.New(), models.ReasonCompleted)
	assert.True(errors.Is(err, models.ErrNotFound))

	session, err := s.End(ctx, created.Session.ID, models.ReasonTimeout)
	assert.NoError(err)
	assert.Equal(models.StatusFailed, session.Status)
	assert.Equal(models.ReasonTimeout, session.EndReason)
	assert.NotNil(session.EndedAt)

	again, err := s.End(ctx, created.Session.ID, models.ReasonCompleted)
	assert.NoError(err)
	assert.Equal(models.StatusFailed, again.Status)
	assert.Equal(models.ReasonTimeout, again.EndReason)

	stored, _, err := s.SessionRepo.Find(ctx, created.Session.ID)
	assert.NoError(err)
	assert.Len(stored.ActiveParticipants(), 0)
	for _, p := range stored.Participants {
		assert.NotNil(p.LeftAt)
	}
}

func TestEndAs(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	created, err := s.Create(ctx, "42", patient)
	assert.NoError(err)

	_, err = s.EndAs(ctx, created.Session.ID, patient, models.ReasonCompleted)
	assert.True(errors.Is(err, models.ErrForbidden))

	_, err = s.EndAs(ctx, created.Session.ID, operator, models.ReasonCompleted)
	assert.True(errors.Is(err, models.ErrForbidden))

	_, err = s.EndAs(ctx, id.New(), doctor, models.ReasonCompleted)
	assert.True(errors.Is(err, models.ErrNotFound))

	admin := models.Requester{UserID: "admin-1", UserType: models.UserTypeStaff, Role: models.RoleAdmin}
	session, err := s.EndAs(ctx, created.Session.ID, admin, models.ReasonCancelled)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, session.Status)
	assert.Equal(models.ReasonCancelled, session.EndReason)

	stored, _, err := s.SessionRepo.Find(ctx, created.Session.ID)
	assert.NoError(err)
	assert.Equal(models.StatusEnded, stored.Status)
}

func TestVerifyParticipant(t *testing.T) {
	assert := assert.New(t)
	s, ctx, _ := createService(t)

	created, err := s.Create(ctx, "42", patient)
	assert.NoError(err)

	session, err := s.VerifyParticipant(ctx, created.Session.ID, patient)
	assert.NoError(err)
	assert.Equal(created.Session.ID, session.ID)

	_, err = s.VerifyParticipant(ctx, created.Session.ID, doctor)
	assert.True(errors.Is(err, models.ErrForbidden))

	impersonator := models.Requester{UserID: patient.UserID, UserType: models.UserTypeStaff, Role: models.RoleAdmin}
	_, err = s.VerifyParticipant(ctx, created.Session.ID, impersonator)
	assert.True(errors.Is(err, models.ErrForbidden))

	_, err = s.Join(ctx, created.Session.ID, doctor)
	assert.NoError(err)
	_, err = s.VerifyParticipant(ctx, created.Session.ID, doctor)
	assert.NoError(err)
	_, err = s.VerifyParticipant(ctx, created.Session.ID, models.Requester{UserID: doctor.UserID, UserType: models.UserTypeStaff, Role: models.RoleOperator})
	assert.True(errors.Is(err, models.ErrForbidden))

	_, err = s.VerifyParticipant(ctx, id.New(), patient)
	assert.True(errors.Is(err, models.ErrNotFound))

	_, err = s.End(ctx, created.Session.ID, models.ReasonCompleted)
	assert.NoError(err)

	_, err = s.VerifyParticipant(ctx, created.Session.ID, patient)
	assert.True(errors.Is(err, models.ErrInvalidState))
}

func TestStorageFailure(t *testing.T) {
	assert := assert.New(t)
	s, ctx, e := createService(t)
	e.db.Close()

	_, err := s.Create(ctx, "42", patient)
	assert.True(errors.Is(err, models.ErrStorage))

	_, err = s.Join(ctx, id.New(), patient)
	assert.True(errors.Is(err, models.ErrStorage))

	_, err = s.End(ctx, id.New(), models.ReasonCompleted)
	assert.True(errors.Is(err, models.ErrStorage))
}

func TestCreateSession_RetriesAfterConflict(t *testing.T) {
	assert := assert.New(t)
	s, ctx, e := createService(t)

	repo := &racingRepo{SessionRepository: s.SessionRepo, conflicts: 1}
	s.SessionRepo = repo

	var winner models.CreateResult
	repo.onConflict = func() {
		var err error
		winner, err = s.Create(ctx, "42", doctor)
		assert.NoError(err)
	}

	res, err := s.Create(ctx, "42", patient)
	assert.NoError(err)
	assert.True(winner.IsNewSession)
	assert.False(res.IsNewSession)
	assert.True(res.JoinedExisting)
	assert.Equal(winner.Session.ID, res.Session.ID)
	assert.Equal(2, repo.saveAttempts())
	assert.Len(res.Session.ActiveParticipants(), 2)

	stored, found, err := repository.NewSessionRepository(e.db).FindByAppointment(ctx, "42")
	assert.NoError(err)
	assert.True(found)
	assert.Equal(winner.Session.ID, stored.ID)
}

func TestCreateSession_ConflictAttemptsExhausted(t *testing.T) {
	assert := assert.New(t)
	s, ctx, e := createService(t)

	repo := &racingRepo{SessionRepository: s.SessionRepo, conflicts: 10}
	s.SessionRepo = repo

	_, err := s.Create(ctx, "42", patient)
	assert.True(errors.Is(err, models.ErrStorage))
	assert.Equal(3, repo.saveAttempts())

	_, found, err := repository.NewSessionRepository(e.db).FindByAppointment(ctx, "42")
	assert.NoError(err)
	assert.False(found)
}

// ---- Test utils ----

type testEnv struct {
	db           *sql.DB
	appointments *fakeAppointments
	tokens       *fakeTokens
}

func createService(t *testing.T) (service.SessionService, context.Context, *testEnv) {
	dbConf := dbutil.SqliteConfig{}
	migrationsPath := "../../resources/db/sqlite"
	db := dbutil.MustConnect(dbConf)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	err := dbutil.Downgrade(migrationsPath, dbConf.Driver(), db)
	if err != nil {
		t.Fatalf("failed to apply downgrade migrations: %v", err)
	}

	err = dbutil.Upgrade(migrationsPath, dbConf.Driver(), db)
	if err != nil {
		t.Fatalf("failed to apply upgrade migrations: %v", err)
	}

	appointments := &fakeAppointments{
		appointments: map[string]models.Appointment{
			"42": {ID: "42", PatientID: patient.UserID, StaffIDs: []string{doctor.UserID}, Status: "confirmed"},
		},
		failures:   make(map[string]error),
		inProgress: make(chan string, 16),
	}
	tokens := &fakeTokens{}

	s := service.SessionService{
		SessionRepo:  repository.NewSessionRepository(db),
		Appointments: appointments,
		Tokens:       tokens,
		Policy:       service.AssignedStaffPolicy{},
		Timeout:      5 * time.Second,
	}

	return s, context.Background(), &testEnv{db: db, appointments: appointments, tokens: tokens}
}

type fakeAppointments struct {
	appointments map[string]models.Appointment
	failures     map[string]error
	inProgress   chan string
}

func (f *fakeAppointments) Find(ctx context.Context, appointmentID string) (models.Appointment, error) {
	if err, ok := f.failures[appointmentID]; ok {
		return models.Appointment{}, err
	}

	a, ok := f.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, fmt.Errorf("%w: appointment(id=%s)", models.ErrNotFound, appointmentID)
	}

	return a, nil
}

func (f *fakeAppointments) MarkInProgress(ctx context.Context, appointmentID string) error {
	f.inProgress <- appointmentID
	return nil
}

type fakeTokens struct {
	mu     sync.Mutex
	issued int
	err    error
}

func (f *fakeTokens) Issue(ctx context.Context, session models.VideoSession, requester models.Requester) (models.MediaGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.MediaGrant{}, f.err
	}
	f.issued++

	mediaSessionID := session.MediaSessionID
	if mediaSessionID == "" {
		mediaSessionID = id.New()
	}

	return models.MediaGrant{
		Token:          fmt.Sprintf("token-%d-%s", f.issued, requester.UserID),
		MediaSessionID: mediaSessionID,
		RelayServer:    "turn-1:3478",
		ExpiresAt:      time.Now().Add(time.Minute),
	}, nil
}

func addStaff(a models.Appointment, staffID string) models.Appointment {
	a.StaffIDs = append(append([]string{}, a.StaffIDs...), staffID)
	return a
}

func findParticipant(s models.VideoSession, userID string) models.Participant {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return models.Participant{}
}

// racingRepo makes the first SaveSession calls lose a unique constraint race. onConflict
// runs after the losing transaction has rolled back, so it can commit the winning session.
type racingRepo struct {
	repository.SessionRepository
	mu         sync.Mutex
	conflicts  int
	attempts   int
	onConflict func()
}

func (r *racingRepo) Transaction(ctx context.Context, fn func(tx repository.SessionTx) error) error {
	conflicted := false
	err := r.SessionRepository.Transaction(ctx, func(tx repository.SessionTx) error {
		return fn(&racingTx{SessionTx: tx, repo: r, conflicted: &conflicted})
	})

	if conflicted && r.onConflict != nil {
		r.onConflict()
	}
	return err
}

func (r *racingRepo) saveAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

type racingTx struct {
	repository.SessionTx
	repo       *racingRepo
	conflicted *bool
}

func (tx *racingTx) SaveSession(ctx context.Context, session models.VideoSession) error {
	tx.repo.mu.Lock()
	tx.repo.attempts++
	lose := tx.repo.conflicts > 0
	if lose {
		tx.repo.conflicts--
	}
	tx.repo.mu.Unlock()

	if lose {
		*tx.conflicted = true
		return fmt.Errorf("%w: duplicate appointment_id %s", repository.ErrConflict, session.AppointmentID)
	}
	return tx.SessionTx.SaveSession(ctx, session)
}
