package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/hostwatch/internal/alerts"
	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/logger"
)

const (
	// maxSMSLength is the longest body the gateway accepts.
	maxSMSLength = 1600

	maxParallelSMS = 4
)

// SMSSender sends the sms tier through a Twilio-compatible HTTP API:
// POST {api_url}/Accounts/{sid}/Messages.json with To, From and Body form
// fields and basic auth. Each recipient gets one attempt per call; failed
// recipients are retried by the engine on its next tick.
type SMSSender struct {
	cfg    config.SMSConfig
	client *http.Client
}

// SMSOption configures an SMSSender.
type SMSOption func(*SMSSender)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) SMSOption {
	return func(s *SMSSender) {
		s.client = c
	}
}

// NewSMSSender creates a sender for the configured gateway.
func NewSMSSender(cfg config.SMSConfig, opts ...SMSOption) *SMSSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &SMSSender{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify implements alerts.Notifier. Each recipient gets its own message,
// at most maxParallelSMS at a time. When some recipients fail the error is an
// *alerts.DeliveryError naming them, so recipients already reached are not
// messaged again.
func (s *SMSSender) Notify(ctx context.Context, n *alerts.Notification) error {
	body := truncate(n.Subject+"\n"+n.Message, maxSMSLength)

	errs := make([]error, len(n.Recipients))
	var g errgroup.Group
	g.SetLimit(maxParallelSMS)
	for i, to := range n.Recipients {
		g.Go(func() error {
			if err := s.send(ctx, to, body); err != nil {
				errs[i] = err
				logger.Debug("sms failed", "event", n.Event.ID, "to", to, "error", err)
				return nil
			}
			logger.Debug("sms sent", "event", n.Event.ID, "to", to)
			return nil
		})
	}
	_ = g.Wait()

	var failed []alerts.RecipientError
	for i, err := range errs {
		if err != nil {
			failed = append(failed, alerts.RecipientError{Recipient: n.Recipients[i], Err: err})
		}
	}
	if len(failed) > 0 {
		return &alerts.DeliveryError{Failed: failed}
	}
	return nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// send posts one message.
func (s *SMSSender) send(ctx context.Context, to, body string) error {
	endpoint := strings.TrimRight(s.cfg.APIURL, "/") + "/Accounts/" + url.PathEscape(s.cfg.AccountSID) + "/Messages.json"

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", s.cfg.From)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if s.cfg.AccountSID != "" {
		req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
