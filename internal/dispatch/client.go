// Package dispatch submits scrape runs to the actor platform. Submission is
// fire-and-forget: the platform acknowledges with a run handle and reports
// completion later through the webhook receiver.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/reviewbeam/scrapeq/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Second

// Options configure one actor run. Reviews kinds set IncludeRecentOnly and
// a cursor so only reviews newer than the boundary are fetched.
type runInput struct {
	Targets           []string   `json:"targets"`
	IncludeRecentOnly bool       `json:"includeRecentOnly"`
	Cursor            *time.Time `json:"cursor,omitempty"`
	WebhookURL        string     `json:"webhookUrl"`
}

type runResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type Client struct {
	base       string
	actorID    string
	token      string
	webhookURL string
	httpClient *http.Client
}

// NewClient creates a dispatcher for the given actor. webhookURL is handed
// to the platform with every run so completions reach webhookd.
func NewClient(base, actorID, token, webhookURL string) *Client {
	return &Client{
		base:       base,
		actorID:    actorID,
		token:      token,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Dispatch submits the job and returns the platform's run handle. It does
// not wait for the run to finish. Failures come back as *domain.DispatchError
// classified transient (rate limit, timeout, 5xx) or permanent (other 4xx).
func (c *Client) Dispatch(ctx context.Context, job *domain.Job) (string, error) {
	in := runInput{
		Targets:           job.Targets,
		IncludeRecentOnly: job.Kind.ReviewsOnly(),
		Cursor:            job.Cursor,
		WebhookURL:        c.webhookURL,
	}
	body := new(bytes.Buffer)
	if err := json.NewEncoder(body).Encode(in); err != nil {
		return "", errors.Wrap(err, "encode run input")
	}

	url := fmt.Sprintf("%s/v2/acts/%s/runs", c.base, c.actorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", errors.Wrap(err, "build run request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport errors and timeouts: the run may or may not have been
		// accepted, so treat as transient and let the retry path sort it out.
		return "", &domain.DispatchError{Transient: true, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", classify(resp.StatusCode)
	}

	var out runResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.DispatchError{Transient: true, StatusCode: resp.StatusCode,
			Message: "decode run response: " + err.Error()}
	}
	if out.Data.ID == "" {
		return "", &domain.DispatchError{Transient: true, StatusCode: resp.StatusCode,
			Message: "run accepted without an id"}
	}
	return out.Data.ID, nil
}

func classify(status int) *domain.DispatchError {
	transient := status == http.StatusTooManyRequests || status >= 500
	return &domain.DispatchError{
		Transient:  transient,
		StatusCode: status,
		Message:    fmt.Sprintf("actor platform returned %d", status),
	}
}
