package appointment

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/client"
	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/session-manager/internal/models"
)

// StatusInProgress appointment status set when the first session of an appointment starts.
const StatusInProgress = "in_progress"

const userAgent = "session-manager"

// Client appointment service client authenticated with a system token.
type Client struct {
	http client.Client
}

// NewClient creates an appointment service client on top of an rpc client.
func NewClient(baseURL string, issuer jwt.Issuer, rpcClient rpc.Client) *Client {
	return &Client{
		http: client.Client{
			RPCClient: releasingClient{Client: rpcClient},
			Issuer:    issuer,
			BaseURL:   baseURL,
			Role:      jwt.SystemRole,
			UserAgent: userAgent,
		},
	}
}

type statusUpdate struct {
	Status string `json:"status"`
}

// Find fetches an appointment by id.
func (c *Client) Find(ctx context.Context, appointmentID string) (models.Appointment, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "appointment.Client.Find")
	defer span.Finish()

	var a models.Appointment
	err := c.http.Get(ctx, appointmentPath(appointmentID), &a)
	if err != nil {
		err = classify(appointmentID, err)
		span.LogFields(tracelog.Error(err))
		return models.Appointment{}, err
	}

	return a, nil
}

// MarkInProgress sets the appointment status to in progress.
func (c *Client) MarkInProgress(ctx context.Context, appointmentID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "appointment.Client.MarkInProgress")
	defer span.Finish()

	err := c.http.Put(ctx, appointmentPath(appointmentID)+"/status", statusUpdate{Status: StatusInProgress}, nil)
	if err != nil {
		err = classify(appointmentID, err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

func appointmentPath(appointmentID string) string {
	return "/v1/appointments/" + url.PathEscape(appointmentID)
}

func classify(appointmentID string, err error) error {
	if rpc.HasStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: appointment(id=%s)", models.ErrNotFound, appointmentID)
	}

	return fmt.Errorf("%w: appointment service request failed: %v", models.ErrUpstream, err)
}

// releasingClient reads and closes every response body before handing the response on,
// so the connection goes back to the pool whether or not the caller decodes the body.
type releasingClient struct {
	rpc.Client
}

func (c releasingClient) Do(req *http.Request) (*http.Response, error) {
	res, err := c.Client.Do(req)
	if err != nil {
		if res != nil && res.Body != nil {
			res.Body.Close()
		}
		return nil, err
	}
	if res.Body == nil {
		res.Body = http.NoBody
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if res.StatusCode >= http.StatusMultipleChoices {
		return nil, &httputil.Error{
			ID:      id.New(),
			Status:  res.StatusCode,
			Message: fmt.Sprintf("request failed, status: %s", res.Status),
		}
	}

	res.Body = ioutil.NopCloser(bytes.NewReader(body))
	return res, nil
}
