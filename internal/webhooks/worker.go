// Package webhooks delivers deployment events to an operator-configured HTTP endpoint
// with HMAC signatures and exponential retry.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
)

// maxPending bounds the in-memory delivery queue; the oldest delivery is dropped when full.
const maxPending = 1024

type delivery struct {
	id          string
	eventType   string
	payload     []byte
	attempts    int
	nextAttempt time.Time
}

// Notifier queues deployment events and posts them from a ticker loop.
// It satisfies the deployment orchestrator's Publisher.
type Notifier struct {
	URL         string
	Secret      string
	HTTP        *http.Client
	MaxAttempts int
	Interval    time.Duration
	Stop        chan struct{}
	Log         log.Interface
	Now         func() time.Time

	mu      sync.Mutex
	pending []*delivery
}

func NewNotifier(url, secret string, maxAttempts int, logger log.Interface) *Notifier {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if logger == nil {
		logger = log.Log
	}
	return &Notifier{
		URL:         url,
		Secret:      secret,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Stop:        make(chan struct{}),
		Log:         logger.WithField("component", "webhooks"),
		Now:         time.Now,
	}
}

// Publish enqueues evt for delivery. It never blocks on the network.
func (n *Notifier) Publish(evt model.DeploymentEvent) {
	body, err := json.Marshal(map[string]any{
		"id":   "evt_" + uuid.NewString(),
		"type": evt.Type,
		"ts":   n.Now().UTC().Format(time.RFC3339),
		"data": evt,
	})
	if err != nil {
		n.Log.WithError(err).Warn("encode webhook payload")
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.pending) >= maxPending {
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		n.pending = n.pending[1:]
	}
	n.pending = append(n.pending, &delivery{id: uuid.NewString(), eventType: evt.Type, payload: body, nextAttempt: n.Now()})
}

// Pending returns the number of deliveries not yet acknowledged or abandoned.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *Notifier) Start() {
	go func() {
		ticker := time.NewTicker(n.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.Stop:
				return
			case <-ticker.C:
				n.processOnce()
			}
		}
	}()
}

func (n *Notifier) processOnce() {
	now := n.Now()
	n.mu.Lock()
	var due []*delivery
	for _, d := range n.pending {
		if !d.nextAttempt.After(now) {
			due = append(due, d)
		}
	}
	n.mu.Unlock()
	if len(due) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := map[*delivery]bool{}
	for _, d := range due {
		code, err := n.send(ctx, d)
		d.attempts++
		lg := n.Log.WithFields(log.Fields{"delivery": d.id, "event": d.eventType, "attempt": d.attempts, "code": code})
		if err != nil {
			lg = lg.WithError(err)
		}
		switch {
		case err == nil && code >= 200 && code < 300:
			metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
			done[d] = true
		case d.attempts >= n.MaxAttempts:
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			lg.Warn("webhook delivery abandoned")
			done[d] = true
		default:
			metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
			d.nextAttempt = now.Add(nextBackoff(d.attempts - 1))
			lg.Debug("webhook delivery retry")
		}
	}
	n.mu.Lock()
	kept := n.pending[:0]
	for _, d := range n.pending {
		if !done[d] {
			kept = append(kept, d)
		}
	}
	n.pending = kept
	n.mu.Unlock()
}

func (n *Notifier) send(ctx context.Context, d *delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(d.payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.eventType)
	req.Header.Set("X-Delivery-Id", d.id)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(d.attempts+1))
	if n.Secret != "" {
		req.Header.Set("X-Signature", Sign(n.Secret, n.Now().Unix(), d.payload))
	}
	resp, err := n.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
