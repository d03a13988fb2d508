package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/gorilla/websocket"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/session-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("session-manager/signaling")

// Close codes sent to rejected or dropped connections.
const (
	CloseMissingIdentity  = 4001
	CloseForbidden        = 4003
	CloseSessionNotFound  = 4004
	CloseIdleTimeout      = 4008
	CloseSessionNotActive = 4009
	CloseSlowConsumer     = 4029
	CloseStorageError     = websocket.CloseInternalServerErr
)

const endTimeout = 10 * time.Second

// Default options.
const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultPingPeriod    = 54 * time.Second
	DefaultSendBuffer    = 64
)

var errHubClosed = errors.New("signaling hub is closed")

// SessionManager the lifecycle operations the signaling hub depends on.
type SessionManager interface {
	VerifyParticipant(ctx context.Context, sessionID string, requester models.Requester) (models.VideoSession, error)
	End(ctx context.Context, sessionID string, reason models.EndReason) (models.VideoSession, error)
}

// Authenticator resolves the verified identity behind a signaling request.
// Failures should wrap models.ErrMissingIdentity or models.ErrForbidden.
type Authenticator interface {
	Authenticate(r *http.Request) (models.Requester, error)
}

// Options tuning of connection liveness and buffering.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	PingPeriod    time.Duration
	SendBuffer    int
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	return o
}

// Hub registry of the live signaling rooms, one per session.
type Hub struct {
	manager  SessionManager
	auth     Authenticator
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
	wg     sync.WaitGroup
}

// NewHub creates a new Hub.
func NewHub(manager SessionManager, auth Authenticator, opts Options) *Hub {
	return &Hub{
		manager:  manager,
		auth:     auth,
		opts:     opts.withDefaults(),
		upgrader: websocket.Upgrader{},
		rooms:    make(map[string]*room),
	}
}

// ServeConn upgrades the request to a websocket and attaches it to the room of the session.
// The identity claimed in the userId, userType and role query parameters must match the
// authenticated identity of the request.
func (h *Hub) ServeConn(w http.ResponseWriter, r *http.Request, sessionID string) {
	span, ctx := opentracing.StartSpanFromContext(r.Context(), "signaling.Hub.ServeConn")
	defer span.Finish()

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Info("failed to upgrade connection to a websocket", zap.Error(err))
		span.LogFields(tracelog.Error(err))
		return
	}

	member, err := h.identify(r)
	if err != nil {
		code, text := closeReason(err)
		log.Info("rejected signaling connection", zap.String("sessionId", sessionID), zap.Error(err))
		span.LogFields(tracelog.Error(err))
		reject(ws, code, text)
		return
	}

	_, err = h.manager.VerifyParticipant(ctx, sessionID, requesterOf(member))
	if err == nil {
		c := newConn(sessionID, member, ws, h.opts.SendBuffer)
		err = h.connect(c)
		if err == nil {
			span.LogFields(tracelog.Bool("success", true))
			go c.writePump(h.opts.PingPeriod)
			c.readPump(h)
			return
		}
	}

	code, text := closeReason(err)
	log.Info("rejected signaling connection", zap.String("sessionId", sessionID), zap.Stringer("member", member), zap.Error(err))
	span.LogFields(tracelog.Error(err))
	reject(ws, code, text)
}

// CloseSession disconnects every connection of a session that was ended elsewhere.
// The room is torn down without ending the session again.
func (h *Hub) CloseSession(sessionID string) {
	h.dispatch(sessionID, event{kind: eventClose}, false)
}

// Close disconnects every live connection and waits for the rooms to stop. Sessions are left as they are.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.stop()
	}
	h.wg.Wait()
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// connect attaches a connection to the room of its session and waits for the room to admit it.
func (h *Hub) connect(c *conn) error {
	admitted := make(chan error, 1)
	if !h.dispatch(c.sessionID, event{kind: eventConnect, conn: c, admitted: admitted}, true) {
		return errHubClosed
	}
	return <-admitted
}

func (h *Hub) disconnect(c *conn) {
	h.dispatch(c.sessionID, event{kind: eventDisconnect, conn: c}, false)
}

func (h *Hub) message(c *conn, data []byte) {
	h.dispatch(c.sessionID, event{kind: eventMessage, conn: c, data: data}, false)
}

// dispatch hands an event to the room of the session. Events that race a room teardown
// are retried against a fresh room. Returns false if no room accepted the event.
func (h *Hub) dispatch(sessionID string, e event, create bool) bool {
	for {
		r, ok := h.room(sessionID, create)
		if !ok {
			return false
		}

		select {
		case r.events <- e:
			return true
		case <-r.done:
		}
	}
}

func (h *Hub) room(sessionID string, create bool) (*room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[sessionID]
	if ok {
		return r, true
	}
	if !create || h.closed {
		return nil, false
	}

	r = newRoom(sessionID, h)
	h.rooms[sessionID] = r
	h.wg.Add(1)
	liveRooms.Inc()
	go r.run()

	return r, true
}

func (h *Hub) remove(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		liveRooms.Dec()
	}
}

// identify returns the claimed identity once it is confirmed by the authenticator.
func (h *Hub) identify(r *http.Request) (models.Member, error) {
	member, err := parseIdentity(r)
	if err != nil {
		return models.Member{}, err
	}

	verified, err := h.auth.Authenticate(r)
	if err != nil {
		return models.Member{}, err
	}

	if !sameIdentity(requesterOf(member), verified) {
		return models.Member{}, fmt.Errorf("%w: claimed %s but authenticated as %s", models.ErrForbidden, member, verified)
	}

	return member, nil
}

func sameIdentity(claimed, verified models.Requester) bool {
	if claimed.UserID != verified.UserID || claimed.UserType != verified.UserType {
		return false
	}
	return !verified.IsStaff() || claimed.Role == verified.Role
}

func requesterOf(m models.Member) models.Requester {
	return models.Requester{UserID: m.UserID, UserType: m.UserType, Role: m.Role}
}

func parseIdentity(r *http.Request) (models.Member, error) {
	q := r.URL.Query()
	member := models.Member{
		UserID:   strings.TrimSpace(q.Get("userId")),
		UserType: models.UserType(strings.ToLower(q.Get("userType"))),
		Role:     strings.ToLower(q.Get("role")),
		JoinedAt: time.Now().UTC(),
	}

	err := requesterOf(member).Validate()
	if err != nil {
		return models.Member{}, fmt.Errorf("%w: %v", models.ErrMissingIdentity, err)
	}

	return member, nil
}

func closeReason(err error) (int, string) {
	switch {
	case errors.Is(err, errHubClosed):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(err, models.ErrMissingIdentity):
		return CloseMissingIdentity, "MissingIdentity"
	case errors.Is(err, models.ErrNotFound):
		return CloseSessionNotFound, "SessionNotFound"
	case errors.Is(err, models.ErrInvalidState):
		return CloseSessionNotActive, "SessionNotActive"
	case errors.Is(err, models.ErrForbidden):
		return CloseForbidden, "Forbidden"
	case errors.Is(err, models.ErrInvalidInput):
		return CloseSessionNotFound, "SessionNotFound"
	default:
		return CloseStorageError, "StorageError"
	}
}

func reject(ws *websocket.Conn, code int, text string) {
	droppedTotal.WithLabelValues(text).Inc()
	writeClose(ws, code, text)
	closeSocket(ws)
}
