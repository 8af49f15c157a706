// Package webhook implements best-effort HTTP fan-out of engine events to
// registered endpoints, signed with HMAC-SHA256 and retried with
// exponential backoff. Deliveries to different endpoints run in parallel;
// the fan-out only observes events and never feeds stimuli back into the
// engine.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/reflexhq/reflex/internal/metrics"
	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/pattern"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
	DefaultTimeout        = 10 * time.Second
	userAgent             = "reflex/1.0"
)

// Registration describes one webhook endpoint. Empty Patterns defaults to
// the match-all pattern.
type Registration struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Patterns  []string          `json:"patterns"`
	Secret    string            `json:"secret,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timeout   model.Duration    `json:"timeout,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Result reports one endpoint's delivery outcome.
type Result struct {
	WebhookID  string        `json:"webhookId"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"statusCode,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// payload is the wire body POSTed to endpoints.
type payload struct {
	ID          string      `json:"id"`
	WebhookID   string      `json:"webhookId"`
	Event       model.Event `json:"event"`
	DeliveredAt time.Time   `json:"deliveredAt"`
}

// Config tunes the fan-out.
type Config struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
	// Client overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// Stats are cumulative delivery counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Attempts  uint64 `json:"attempts"`
}

// Fanout owns webhook registrations and delivers events to them.
type Fanout struct {
	cfg    Config
	client *http.Client

	mu    sync.RWMutex
	hooks map[string]*Registration

	delivered atomic.Uint64
	failed    atomic.Uint64
	attempts  atomic.Uint64

	wg sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewFanout creates a fan-out with defaults applied.
func NewFanout(cfg Config) *Fanout {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Fanout{
		cfg:    cfg,
		client: client,
		hooks:  make(map[string]*Registration),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds (or replaces) an endpoint. A missing id is generated;
// empty patterns default to ["*"].
func (f *Fanout) Register(reg Registration) (Registration, error) {
	if reg.URL == "" {
		return Registration{}, fmt.Errorf("webhook url must not be empty")
	}
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if len(reg.Patterns) == 0 {
		reg.Patterns = []string{"*"}
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now()
	}
	stored := reg
	f.mu.Lock()
	f.hooks[reg.ID] = &stored
	f.mu.Unlock()
	log.Info().Str("webhook", reg.ID).Str("url", reg.URL).Msg("Webhook registered")
	return reg, nil
}

// Unregister removes an endpoint, reporting whether it existed.
func (f *Fanout) Unregister(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.hooks[id]; !ok {
		return false
	}
	delete(f.hooks, id)
	return true
}

// SetEnabled toggles an endpoint without unregistering it.
func (f *Fanout) SetEnabled(id string, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	hook, ok := f.hooks[id]
	if !ok {
		return false
	}
	hook.Enabled = enabled
	return true
}

// List returns all registrations sorted by creation time.
func (f *Fanout) List() []Registration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Registration, 0, len(f.hooks))
	for _, hook := range f.hooks {
		out = append(out, *hook)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Deliver fans the event out to matching endpoints in the background.
// Implements the engine's event sink contract, so it must not block.
func (f *Fanout) Deliver(event model.Event) {
	selected := f.selectHooks(event.Topic)
	if len(selected) == 0 {
		return
	}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.deliverAll(f.ctx, selected, event)
	}()
}

// DeliverSync delivers to all matching endpoints and waits for the
// results. Endpoints run in parallel.
func (f *Fanout) DeliverSync(ctx context.Context, event model.Event) []Result {
	return f.deliverAll(ctx, f.selectHooks(event.Topic), event)
}

func (f *Fanout) selectHooks(topic string) []Registration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var selected []Registration
	for _, hook := range f.hooks {
		if !hook.Enabled {
			continue
		}
		for _, p := range hook.Patterns {
			if pattern.MatchTopic(p, topic) {
				selected = append(selected, *hook)
				break
			}
		}
	}
	return selected
}

func (f *Fanout) deliverAll(ctx context.Context, hooks []Registration, event model.Event) []Result {
	results := make([]Result, len(hooks))
	var g errgroup.Group
	for i, hook := range hooks {
		g.Go(func() error {
			results[i] = f.deliverOne(ctx, hook, event)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// deliverOne POSTs the payload, retrying on non-2xx and network errors
// with exponential backoff base*2^(attempt-1).
func (f *Fanout) deliverOne(ctx context.Context, hook Registration, event model.Event) Result {
	body, err := json.Marshal(payload{
		ID:          uuid.NewString(),
		WebhookID:   hook.ID,
		Event:       event,
		DeliveredAt: time.Now(),
	})
	if err != nil {
		return Result{WebhookID: hook.ID, Error: err.Error()}
	}

	timeout := f.cfg.Timeout
	if hook.Timeout > 0 {
		timeout = hook.Timeout.Std()
	}

	start := time.Now()
	result := Result{WebhookID: hook.ID}
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := f.cfg.RetryBaseDelay * (1 << (attempt - 2))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				result.Duration = time.Since(start)
				return result
			}
		}

		result.Attempts = attempt
		f.attempts.Add(1)

		status, aerr := f.attemptPost(ctx, hook, body, timeout)
		result.StatusCode = status
		if aerr == nil {
			result.Success = true
			result.Error = ""
			break
		}
		result.Error = aerr.Error()
		log.Debug().Err(aerr).Str("webhook", hook.ID).Int("attempt", attempt).
			Msg("Webhook delivery attempt failed")
	}
	result.Duration = time.Since(start)

	if result.Success {
		f.delivered.Add(1)
		metrics.WebhookDeliveries.WithLabelValues("success").Inc()
	} else {
		f.failed.Add(1)
		metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
		log.Warn().Str("webhook", hook.ID).Str("url", hook.URL).Int("attempts", result.Attempts).
			Str("error", result.Error).Msg("Webhook delivery failed")
	}
	return result
}

func (f *Fanout) attemptPost(ctx context.Context, hook Registration, body []byte, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	if hook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, hook.Secret))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign computes the signature header value for a request body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against a body and secret.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Stats snapshots the delivery counters.
func (f *Fanout) Stats() Stats {
	return Stats{
		Delivered: f.delivered.Load(),
		Failed:    f.failed.Load(),
		Attempts:  f.attempts.Load(),
	}
}

// Close waits for in-flight background deliveries and cancels retries.
func (f *Fanout) Close() {
	f.cancel()
	f.wg.Wait()
}
