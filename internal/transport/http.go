package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"offercast/internal/offer"
	logx "offercast/pkg/logx"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	BaseURL string
	Token   string // optional bearer token
	Timeout time.Duration
}

// HTTPClient talks to the offer server over JSON/HTTP.
type HTTPClient struct {
	base    *url.URL
	token   string
	timeout time.Duration
	hc      *http.Client
	log     logx.Logger
}

func NewHTTP(cfg Config, log logx.Logger) (*HTTPClient, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("transport.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("transport.base_url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		base:    u,
		token:   strings.TrimSpace(cfg.Token),
		timeout: timeout,
		hc:      &http.Client{}, // per-request timeout comes from the context
		log:     log,
	}, nil
}

// pollResponse is the wire shape of the nearby-offers endpoint. A body
// without a listing means "nothing nearby".
type pollResponse struct {
	Listing *offer.Listing `json:"listing,omitempty"`
}

func (c *HTTPClient) PollNearbyOffers(ctx context.Context, req PollRequest) (offer.Listing, bool, error) {
	var resp pollResponse
	if err := c.do(ctx, http.MethodPost, "v1/offers/nearby", req, &resp); err != nil {
		return offer.Listing{}, false, err
	}
	if resp.Listing == nil {
		return offer.Listing{}, false, nil
	}
	return *resp.Listing, true, nil
}

func (c *HTTPClient) TrackEvent(ctx context.Context, ev offer.TrackingEvent) error {
	return c.do(ctx, http.MethodPost, "v1/track", ev, nil)
}

func (c *HTTPClient) CountdownsStarted(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	body := struct {
		Hashes []string `json:"hashes"`
	}{Hashes: hashes}
	return c.do(ctx, http.MethodPost, "v1/countdowns", body, nil)
}

func (c *HTTPClient) RegisterPushToken(ctx context.Context, token string) error {
	body := struct {
		Token string `json:"token"`
	}{Token: token}
	return c.do(ctx, http.MethodPost, "v1/push-token", body, nil)
}

func (c *HTTPClient) DeleteOffer(ctx context.Context, scheduleID int64) error {
	return c.do(ctx, http.MethodDelete, "v1/offers/"+strconv.FormatInt(scheduleID, 10), nil, nil)
}

// do sends one JSON request and decodes the response into out (if non-nil).
// Failures are wrapped in ErrUnavailable unless the context was cancelled.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// Preserve a caller cancellation so it can be told apart from a
		// failure; our own per-request deadline stays a failure.
		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", offer.ErrMalformedPayload, path, err)
	}
	return nil
}
