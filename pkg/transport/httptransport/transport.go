// Package httptransport talks to the snapshot API served by stepwise-api.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3/client"
	"github.com/moogar0880/problems"
	"github.com/stepwise-analytics/stepwise/pkg/models"
	"github.com/stepwise-analytics/stepwise/pkg/persistence"
)

const defaultTimeout = 30 * time.Second

var ErrInvalidBaseURL = errors.New("invalid snapshot API base URL")

// Transport implements persistence.Transport over HTTP.
type Transport struct {
	baseURL string
	client  *client.Client
}

type Option func(*Transport)

// WithClient replaces the default client. Per-request deadlines come from the context.
func WithClient(c *client.Client) Option {
	return func(t *Transport) {
		t.client = c
	}
}

func New(baseURL string, opts ...Option) (*Transport, error) {
	trimmed := strings.TrimRight(baseURL, "/")

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBaseURL, baseURL)
	}

	t := &Transport{
		baseURL: trimmed,
		client:  client.New().SetTimeout(defaultTimeout),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func (t *Transport) snapshotURL(sessionID string) string {
	return t.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/snapshot"
}

// Send PUTs snapshot. The server keeps whichever of the stored and sent
// snapshots is newer, so a 200 does not imply this version is stored.
func (t *Transport) Send(ctx context.Context, snapshot *models.Snapshot) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return persistence.NewSerializationError("Send", snapshot.SessionID, err)
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetRawBody(body).
		Put(t.snapshotURL(snapshot.SessionID))
	if err != nil {
		return persistence.NewTransientError("Send", snapshot.SessionID, err)
	}
	defer resp.Close()

	if resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
		return nil
	}

	return statusError("Send", snapshot.SessionID, resp)
}

// Fetch GETs the stored snapshot of sessionID.
func (t *Transport) Fetch(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(t.snapshotURL(sessionID))
	if err != nil {
		return nil, persistence.NewTransientError("Fetch", sessionID, err)
	}
	defer resp.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, statusError("Fetch", sessionID, resp)
	}

	var snapshot models.Snapshot
	if err := json.Unmarshal(resp.Body(), &snapshot); err != nil {
		return nil, persistence.NewSerializationError("Fetch", sessionID, err)
	}

	return &snapshot, nil
}

// statusError maps a non-success response onto the persistence error taxonomy.
func statusError(op, sessionID string, resp *client.Response) error {
	status := resp.StatusCode()
	cause := fmt.Errorf("unexpected status %d", status)

	var problem problems.Problem
	if err := json.Unmarshal(resp.Body(), &problem); err == nil && problem.Detail != "" {
		cause = fmt.Errorf("status %d: %s", status, problem.Detail)
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", op, sessionID, persistence.ErrSnapshotNotFound)
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return persistence.NewTransientError(op, sessionID, cause)
	default:
		return persistence.NewSerializationError(op, sessionID, cause)
	}
}
