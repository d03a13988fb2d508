package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/session-manager/internal/models"
)

type createSessionRequest struct {
	AppointmentID string `json:"appointmentId"`
}

type endSessionRequest struct {
	Reason models.EndReason `json:"reason"`
}

type sessionStatusResponse struct {
	SessionID string               `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
	EndReason models.EndReason     `json:"endReason,omitempty"`
}

type joinSessionResponse struct {
	SessionID      string               `json:"sessionId"`
	Status         models.SessionStatus `json:"status"`
	MediaToken     string               `json:"mediaToken"`
	MediaSessionID string               `json:"mediaSessionId"`
	ExpiresAt      time.Time            `json:"expiresAt"`
	SignalingURL   string               `json:"signalingUrl"`
	TURN           models.TurnCandidate `json:"turn"`
	STUN           models.StunCandidate `json:"stun"`
}

type createSessionResponse struct {
	joinSessionResponse
	IsNewSession   bool `json:"isNewSession"`
	JoinedExisting bool `json:"joinedExisting"`
}

func (e *env) createSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.createSession")
	defer span.Finish()

	var body createSessionRequest
	err := c.ShouldBindJSON(&body)
	if err != nil {
		err = httputil.BadRequestError(fmt.Errorf("failed to parse request body: %w", err))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	res, err := e.sessionService.Create(ctx, body.AppointmentID, getRequester(c))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusCreated, createSessionResponse{
		joinSessionResponse: newJoinResponse(res.Session, res.Grant),
		IsNewSession:        res.IsNewSession,
		JoinedExisting:      res.JoinedExisting,
	})
}

func (e *env) joinSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.joinSession")
	defer span.Finish()

	res, err := e.sessionService.Join(ctx, c.Param("sessionId"), getRequester(c))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, newJoinResponse(res.Session, res.Grant))
}

func (e *env) leaveSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.leaveSession")
	defer span.Finish()

	session, err := e.sessionService.Leave(ctx, c.Param("sessionId"), getRequester(c))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}
	if session.Status.Terminal() {
		e.hub.CloseSession(session.ID)
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, newStatusResponse(session))
}

func (e *env) endSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.endSession")
	defer span.Finish()

	body := endSessionRequest{Reason: models.ReasonCompleted}
	if c.Request.ContentLength > 0 {
		err := c.ShouldBindJSON(&body)
		if err != nil {
			err = httputil.BadRequestError(fmt.Errorf("failed to parse request body: %w", err))
			span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
			c.Error(err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = models.ReasonCompleted
	}

	session, err := e.sessionService.EndAs(ctx, c.Param("sessionId"), getRequester(c), body.Reason)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}
	e.hub.CloseSession(session.ID)

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, newStatusResponse(session))
}

func (e *env) getSession(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.getSession")
	defer span.Finish()

	session, err := e.sessionService.Find(ctx, c.Param("sessionId"))
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	requester := getRequester(c)
	if !canView(session, requester) {
		err = fmt.Errorf("%w: %s is not a participant of session(id=%s)", models.ErrForbidden, requester, session.ID)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(httpError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, session)
}

func (e *env) signal(c *gin.Context) {
	e.hub.ServeConn(c.Writer, c.Request, c.Param("sessionId"))
}

func canView(session models.VideoSession, requester models.Requester) bool {
	if requester.Role == models.RoleAdmin {
		return true
	}

	for _, p := range session.Participants {
		if p.UserID == requester.UserID {
			return true
		}
	}
	return false
}

func newJoinResponse(session models.VideoSession, grant models.MediaGrant) joinSessionResponse {
	return joinSessionResponse{
		SessionID:      session.ID,
		Status:         session.Status,
		MediaToken:     grant.Token,
		MediaSessionID: grant.MediaSessionID,
		ExpiresAt:      grant.ExpiresAt,
		SignalingURL:   fmt.Sprintf("/v1/sessions/%s/signal", session.ID),
		TURN:           grant.TURN,
		STUN:           grant.STUN,
	}
}

func newStatusResponse(session models.VideoSession) sessionStatusResponse {
	return sessionStatusResponse{
		SessionID: session.ID,
		Status:    session.Status,
		EndReason: session.EndReason,
	}
}

// httpError converts domain errors into http errors.
func httpError(err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return httputil.BadRequestError(err)
	case errors.Is(err, models.ErrNotFound):
		return httputil.NotFoundError(err)
	case errors.Is(err, models.ErrForbidden):
		return httputil.ForbiddenError(err)
	case errors.Is(err, models.ErrInvalidState):
		return httputil.ConflictError(err)
	case errors.Is(err, models.ErrMissingIdentity):
		return httputil.UnauthorizedError(err)
	case errors.Is(err, models.ErrUpstream):
		return httputil.BadGatewayError(err)
	case errors.Is(err, models.ErrStorage):
		return httputil.ServiceUnavailableError(err)
	default:
		return httputil.InternalServerError(err)
	}
}
