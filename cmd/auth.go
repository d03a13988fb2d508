package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/gin-gonic/gin"
	"github.com/rtcheap/session-manager/internal/models"
)

// JWT roles of the end users of the service.
const (
	patientRole  = "PATIENT"
	doctorRole   = "DOCTOR"
	operatorRole = "OPERATOR"
	adminRole    = "ADMIN"
)

var sessionRoles = []string{patientRole, doctorRole, operatorRole, adminRole}

const requesterKey = "session-manager/requester"

// withRequester maps the principal set by httputil.RBAC to the requester of a session operation.
func withRequester(c *gin.Context) {
	user, ok := httputil.GetPrincipal(c)
	if !ok {
		c.Error(httputil.UnauthorizedError(errors.New("no authenticated principal")))
		c.Abort()
		return
	}

	requester, err := toRequester(user)
	if err != nil {
		c.Error(httputil.ForbiddenError(err))
		c.Abort()
		return
	}

	c.Set(requesterKey, requester)
	c.Next()
}

// toRequester maps token roles to an identity. Staff roles take precedence over the patient role.
func toRequester(user jwt.User) (models.Requester, error) {
	for _, role := range []string{adminRole, doctorRole, operatorRole} {
		if user.HasRole(role) {
			return models.Requester{
				UserID:   user.ID,
				UserType: models.UserTypeStaff,
				Role:     strings.ToLower(role),
			}, nil
		}
	}

	if user.HasRole(patientRole) {
		return models.Requester{UserID: user.ID, UserType: models.UserTypePatient}, nil
	}

	return models.Requester{}, fmt.Errorf("user(id=%s) has no session role", user.ID)
}

func getRequester(c *gin.Context) models.Requester {
	requester, _ := c.MustGet(requesterKey).(models.Requester)
	return requester
}

// tokenAuthenticator verifies the JWT of a signaling connection. Browsers cannot set headers
// on websocket requests, so the token is read from the token query parameter first.
type tokenAuthenticator struct {
	verifier jwt.Verifier
}

func (a tokenAuthenticator) Authenticate(r *http.Request) (models.Requester, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return models.Requester{}, fmt.Errorf("%w: no token provided", models.ErrMissingIdentity)
	}

	user, err := a.verifier.Verify(token)
	if err != nil {
		return models.Requester{}, fmt.Errorf("%w: invalid token: %v", models.ErrMissingIdentity, err)
	}

	requester, err := toRequester(user)
	if err != nil {
		return models.Requester{}, fmt.Errorf("%w: %v", models.ErrForbidden, err)
	}

	return requester, nil
}
