// Package webhook delivers the engine's host callbacks (user join/leave,
// bandwidth, network quality) to an external HTTP endpoint as best-effort
// JSON events. A bearer-token-authenticated *http.Client with a fixed
// timeout posts each event as a JSON body; failures are logged rather
// than propagated, since delivery must never block or fail the engine.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/rtplive-engine/pkg/logger"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	retryBackoff   = 250 * time.Millisecond

	// maxEventsPerSecond caps outbound delivery rate: a bandwidth-sample
	// burst or a flapping peer must not turn into a hammering of the
	// configured endpoint.
	maxEventsPerSecond = 10
)

// Notifier posts engine events to a configured URL. The zero value with
// URL == "" is a no-op notifier, so callers can wire it unconditionally.
type Notifier struct {
	url        string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
}

// New creates a Notifier. If url is "", every Notify call is a no-op.
func New(url, token string, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.Default()
	}
	return &Notifier{
		url:   url,
		token: token,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(maxEventsPerSecond), maxEventsPerSecond),
		log:     log.With("category", "webhook"),
	}
}

// Event is one delivered notification. Type names the event: user_join,
// user_leave, upload_bandwidth, download_bandwidth, or local_network.
type Event struct {
	Type      string  `json:"type"`
	Name      string  `json:"name,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Speed     uint64  `json:"speed,omitempty"`
	Total     uint64  `json:"total,omitempty"`
	Jitter    float64 `json:"jitter,omitempty"`
	Loss      float64 `json:"fractionLost,omitempty"`
	RTTMillis float64 `json:"rttMs,omitempty"`
}

// NotifyUserJoin delivers a user_join event.
func (n *Notifier) NotifyUserJoin(name string) {
	n.send(Event{Type: "user_join", Name: name})
}

// NotifyUserLeave delivers a user_leave event.
func (n *Notifier) NotifyUserLeave(name, reason string) {
	n.send(Event{Type: "user_leave", Name: name, Reason: reason})
}

// NotifyUploadBandwidth delivers an upload_bandwidth event.
func (n *Notifier) NotifyUploadBandwidth(speed, total uint64) {
	n.send(Event{Type: "upload_bandwidth", Speed: speed, Total: total})
}

// NotifyDownloadBandwidth delivers a download_bandwidth event.
func (n *Notifier) NotifyDownloadBandwidth(speed, total uint64) {
	n.send(Event{Type: "download_bandwidth", Speed: speed, Total: total})
}

// NotifyLocalNetwork delivers a local_network event.
func (n *Notifier) NotifyLocalNetwork(jitter, fractionLost, rttMs float64) {
	n.send(Event{Type: "local_network", Jitter: jitter, Loss: fractionLost, RTTMillis: rttMs})
}

// send fires the delivery in the background: the engine's hot-path
// callbacks must never block on an external endpoint's latency.
func (n *Notifier) send(ev Event) {
	if n.url == "" {
		return
	}
	if !n.limiter.Allow() {
		n.log.Warn("webhook event dropped by rate limiter", "event", ev.Type)
		return
	}
	go n.deliver(ev)
}

func (n *Notifier) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("webhook marshal failed", "event", ev.Type, "err", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(retryBackoff * time.Duration(attempt-1))
		}
		if err := n.post(body); err != nil {
			lastErr = err
			continue
		}
		return
	}
	n.log.Warn("webhook delivery failed after retries", "event", ev.Type, "attempts", maxAttempts, "err", lastErr)
}

func (n *Notifier) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
