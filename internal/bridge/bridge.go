// ABOUTME: Legacy bridge forwarding unhandled-channel messages to a delegate.
// ABOUTME: The envelope travels verbatim; the delegate's status and body pass through.

package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrUnavailable indicates the delegate could not be reached at all. Error
// statuses from a reachable delegate are not errors here: they pass through
// in the Response so the caller keeps the delegate's diagnostics.
var ErrUnavailable = errors.New("bridge delegate unavailable")

// Response is the delegate's reply, unmodified.
type Response struct {
	Status int
	Body   []byte

	// ContentType is the delegate's Content-Type header, echoed to the
	// original caller.
	ContentType string
}

// Bridge forwards messages for channels without a registered native handler
// to a delegate endpoint over plain request/response. It lets unmigrated
// channels keep working while handlers are adopted incrementally.
type Bridge struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// New creates a bridge posting to endpoint with the given timeout.
func New(endpoint string, timeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "bridge"),
	}
}

// Endpoint returns the configured delegate endpoint.
func (b *Bridge) Endpoint() string {
	return b.endpoint
}

// Forward posts the raw envelope to the delegate and returns its response
// verbatim. Transport failures wrap ErrUnavailable.
func (b *Bridge) Forward(ctx context.Context, raw []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("creating bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	b.logger.Debug("forwarded to delegate",
		"endpoint", b.endpoint,
		"status", resp.StatusCode,
	)

	return &Response{
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}
