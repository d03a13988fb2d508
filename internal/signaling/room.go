package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rtcheap/session-manager/internal/models"
	"go.uber.org/zap"
)

type eventKind int

const (
	eventConnect eventKind = iota
	eventDisconnect
	eventMessage
	eventClose
)

type event struct {
	kind     eventKind
	conn     *conn
	data     []byte
	admitted chan<- error
}

// inbound message as sent by clients. toUserId is accepted as an alias of targetUserId.
type inbound struct {
	models.Message
	ToUserID string `json:"toUserId,omitempty"`
}

// room serializes every event of one session. Only the run goroutine touches conns.
type room struct {
	id      string
	hub     *Hub
	events  chan event
	done    chan struct{}
	quit    chan struct{}
	stopper sync.Once

	conns   []*conn
	started bool
	// retired rooms never end their session, it was ended or rejected elsewhere.
	retired bool
}

func newRoom(sessionID string, h *Hub) *room {
	return &room{
		id:     sessionID,
		hub:    h,
		events: make(chan event),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
		conns:  make([]*conn, 0, 2),
	}
}

func (r *room) stop() {
	r.stopper.Do(func() {
		close(r.quit)
	})
}

func (r *room) run() {
	defer r.hub.wg.Done()
	ticker := time.NewTicker(r.hub.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-r.events:
			r.handle(e)
		case now := <-ticker.C:
			r.sweep(now)
		case <-r.quit:
			r.removeAll(websocket.CloseGoingAway, "server shutting down")
			r.teardown(false)
			return
		}

		if len(r.conns) == 0 && (r.started || r.retired) {
			r.teardown(!r.retired)
			return
		}
	}
}

func (r *room) handle(e event) {
	switch e.kind {
	case eventConnect:
		e.admitted <- r.admit(e.conn)
	case eventDisconnect:
		if r.has(e.conn) {
			r.remove(e.conn, websocket.CloseNormalClosure, "")
		}
	case eventMessage:
		r.relay(e.conn, e.data)
	case eventClose:
		r.retired = true
		log.Info("session ended, closing live connections", zap.String("sessionId", r.id), zap.Int("connections", len(r.conns)))
		r.removeAll(CloseSessionNotActive, "SessionEnded")
	}
}

// admit attaches a connection. A fresh room checks the session again first, since a
// previous room of the same session may have ended it while the connection waited.
func (r *room) admit(c *conn) error {
	if r.retired {
		return fmt.Errorf("%w: session(id=%s) was ended", models.ErrInvalidState, r.id)
	}

	if len(r.conns) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
		defer cancel()

		_, err := r.hub.manager.VerifyParticipant(ctx, r.id, requesterOf(c.member))
		if err != nil {
			r.retired = true
			return err
		}
	}

	r.connect(c)
	return nil
}

func (r *room) connect(c *conn) {
	r.started = true
	r.conns = append(r.conns, c)
	liveConnections.Inc()
	log.Debug("participant connected", zap.String("sessionId", r.id), zap.Stringer("member", c.member))

	// Roster to the newcomer before the join broadcast, which may drop slow consumers.
	roster := r.roster()
	now := models.Timestamp(time.Now())
	member := c.member
	r.deliver(c, models.Message{
		Type:         models.TypeParticipantUpdate,
		UserID:       c.member.UserID,
		Timestamp:    now,
		Participants: roster,
	})
	r.broadcast(c, models.Message{
		Type:         models.TypeJoin,
		UserID:       c.member.UserID,
		Timestamp:    now,
		Participant:  &member,
		Participants: roster,
	})
}

func (r *room) relay(sender *conn, data []byte) {
	if !r.has(sender) {
		sender.enqueueMessage(errorMessage("connection is not part of the session"))
		return
	}

	var in inbound
	err := json.Unmarshal(data, &in)
	if err != nil || in.Type == "" {
		log.Debug("discarding malformed message", zap.String("sessionId", r.id), zap.String("connId", sender.id))
		r.deliver(sender, errorMessage("malformed message"))
		return
	}

	msg := in.Message
	if msg.TargetUserID == "" {
		msg.TargetUserID = in.ToUserID
	}
	msg.UserID = sender.member.UserID
	msg.Timestamp = models.Timestamp(time.Now())
	msg.Participant = nil
	msg.Participants = nil

	switch msg.Type {
	case models.TypePing:
		r.deliver(sender, models.Message{Type: models.TypePong, UserID: msg.UserID, Timestamp: msg.Timestamp})
	case models.TypePong:
	case models.TypeLeave:
		r.remove(sender, websocket.CloseNormalClosure, "leave")
	case models.TypeJoin, models.TypeParticipantUpdate, models.TypeError:
		r.deliver(sender, errorMessage("message type "+msg.Type+" is reserved for the server"))
	default:
		if msg.Negotiation() && msg.TargetUserID != "" {
			r.sendTo(sender, msg.TargetUserID, msg)
		} else {
			r.broadcast(sender, msg)
		}
		messagesTotal.WithLabelValues(msg.Type).Inc()
	}
}

// sweep removes connections that have been silent for longer than the idle timeout.
func (r *room) sweep(now time.Time) {
	idle := make([]*conn, 0)
	for _, c := range r.conns {
		if now.Sub(c.seenAt()) > r.hub.opts.IdleTimeout {
			idle = append(idle, c)
		}
	}

	for _, c := range idle {
		if r.has(c) {
			log.Info("removing idle connection", zap.String("sessionId", r.id), zap.Stringer("member", c.member))
			droppedTotal.WithLabelValues("idle").Inc()
			r.remove(c, CloseIdleTimeout, "IdleTimeout")
		}
	}
}

// remove takes a connection out of the roster and tells the others who left.
func (r *room) remove(c *conn, code int, text string) {
	if !r.detach(c) {
		return
	}
	c.close(code, text)

	member := c.member
	r.broadcast(nil, models.Message{
		Type:         models.TypeLeave,
		UserID:       c.member.UserID,
		Timestamp:    models.Timestamp(time.Now()),
		Participant:  &member,
		Participants: r.roster(),
	})
}

func (r *room) removeAll(code int, text string) {
	for _, c := range r.conns {
		c.close(code, text)
		liveConnections.Dec()
	}
	r.conns = r.conns[:0]
}

func (r *room) detach(c *conn) bool {
	for i, existing := range r.conns {
		if existing == c {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			liveConnections.Dec()
			log.Debug("participant disconnected", zap.String("sessionId", r.id), zap.Stringer("member", c.member))
			return true
		}
	}
	return false
}

func (r *room) has(c *conn) bool {
	for _, existing := range r.conns {
		if existing == c {
			return true
		}
	}
	return false
}

// broadcast sends a message to every connection except the sender.
func (r *room) broadcast(sender *conn, msg models.Message) {
	recipients := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c != sender {
			recipients = append(recipients, c)
		}
	}
	r.deliverAll(recipients, msg)
}

// sendTo sends a message to every connection of a user. Unknown users are ignored.
func (r *room) sendTo(sender *conn, userID string, msg models.Message) {
	recipients := make([]*conn, 0, 1)
	for _, c := range r.conns {
		if c != sender && c.member.UserID == userID {
			recipients = append(recipients, c)
		}
	}
	r.deliverAll(recipients, msg)
}

func (r *room) deliver(c *conn, msg models.Message) {
	r.deliverAll([]*conn{c}, msg)
}

// deliverAll queues a message on each recipient. Recipients with a full queue are dropped.
func (r *room) deliverAll(recipients []*conn, msg models.Message) {
	if len(recipients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to serialize message", zap.Stringer("message", msg), zap.Error(err))
		return
	}

	slow := make([]*conn, 0)
	for _, c := range recipients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}

	for _, c := range slow {
		if r.has(c) {
			log.Warn("dropping slow connection", zap.String("sessionId", r.id), zap.Stringer("member", c.member))
			droppedTotal.WithLabelValues("slow_consumer").Inc()
			r.remove(c, CloseSlowConsumer, "SlowConsumer")
		}
	}
}

// roster lists the connected users, once per user, ordered by when they connected.
func (r *room) roster() []models.Member {
	byUser := make(map[string]models.Member, len(r.conns))
	for _, c := range r.conns {
		existing, ok := byUser[c.member.UserID]
		if !ok || c.member.JoinedAt.Before(existing.JoinedAt) {
			byUser[c.member.UserID] = c.member
		}
	}

	members := make([]models.Member, 0, len(byUser))
	for _, m := range byUser {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})

	return members
}

func (r *room) teardown(end bool) {
	if end {
		r.endSession()
	}

	r.hub.remove(r)
	close(r.done)
}

func (r *room) endSession() {
	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()

	_, err := r.hub.manager.End(ctx, r.id, models.ReasonCompleted)
	if err != nil {
		log.Error("failed to end drained session", zap.String("sessionId", r.id), zap.Error(err))
		return
	}

	log.Info("all participants disconnected, session ended", zap.String("sessionId", r.id))
}

func errorMessage(text string) models.Message {
	return models.Message{
		Type:      models.TypeError,
		Timestamp: models.Timestamp(time.Now()),
		Error:     text,
	}
}
