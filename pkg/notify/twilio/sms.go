package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/logging"
	"github.com/harunnryd/japa/pkg/metrics"
	"github.com/harunnryd/japa/pkg/resilience"
)

type Config struct {
	Enabled           bool     `mapstructure:"enabled"`
	AccountSID        string   `mapstructure:"account_sid"`
	AuthToken         string   `mapstructure:"auth_token"`
	From              string   `mapstructure:"from"`
	To                []string `mapstructure:"to"`
	MinCount          int      `mapstructure:"min_count"`
	Word              string   `mapstructure:"word"`
	RetryMax          int      `mapstructure:"retry_max"`
	RetryBackoffMS    int      `mapstructure:"retry_backoff_ms"`
	BreakerThreshold  int      `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int      `mapstructure:"breaker_cooldown_ms"`
	TimeoutMS         int      `mapstructure:"timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.MinCount <= 0 {
		c.MinCount = 1
	}
	if c.Word == "" {
		c.Word = "shri"
	}
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 10000
	}
	return c
}

// Validate reports missing credentials or recipients.
func (c Config) Validate() error {
	if c.AccountSID == "" || c.AuthToken == "" {
		return errorsx.New(errorsx.ReasonConfig, "notify.twilio: missing twilio credentials")
	}
	if c.From == "" || len(c.To) == 0 {
		return errorsx.New(errorsx.ReasonConfig, "notify.twilio: from and to are required")
	}
	return nil
}

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// Notifier texts a short summary when a session ends with enough occurrences.
// It is a metrics observer; wrap it in metrics.AsyncObserver so sends never
// run on the session dispatch path.
type Notifier struct {
	cfg     Config
	client  messageCreator
	retry   resilience.RetryPolicy
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	started map[string]time.Time
	sent    map[string]bool
	// order holds sent ids oldest first.
	order []string
}

// maxTrackedSessions bounds the per-session bookkeeping.
const maxTrackedSessions = 256

func NewNotifier(cfg Config) (*Notifier, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newNotifier(cfg, rest.Api), nil
}

func newNotifier(cfg Config, client messageCreator) *Notifier {
	retry := resilience.NewRetryPolicy(cfg.RetryMax, time.Duration(cfg.RetryBackoffMS)*time.Millisecond)
	retry.Retryable = func(err error) bool {
		return !errors.Is(err, resilience.ErrCircuitOpen) && !permanent(err)
	}
	return &Notifier{
		cfg:     cfg,
		client:  client,
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownMS)*time.Millisecond),
		logger:  logging.NewComponentLogger(slog.Default(), "twilio_notify"),
		started: make(map[string]time.Time),
		sent:    make(map[string]bool),
	}
}

func (n *Notifier) RecordEvent(ev metrics.MetricsEvent) {
	id := ev.Tags[metrics.TagSessionID]
	if id == "" {
		return
	}
	switch ev.Name {
	case metrics.NameSessionStarted:
		n.mu.Lock()
		if len(n.started) >= maxTrackedSessions {
			for stale := range n.started {
				delete(n.started, stale)
				break
			}
		}
		n.started[id] = ev.Time
		n.mu.Unlock()
	case metrics.NameSessionEnded:
		n.mu.Lock()
		startedAt, ok := n.started[id]
		delete(n.started, id)
		already := n.sent[id]
		if !already {
			n.markSent(id)
		}
		n.mu.Unlock()
		if already || ev.Value < float64(n.cfg.MinCount) {
			return
		}
		var took time.Duration
		if ok {
			took = ev.Time.Sub(startedAt)
		}
		body := n.body(id, uint64(ev.Value), took, ev.Tags[metrics.TagReason])
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(n.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
		if err := n.Send(ctx, body); err != nil {
			n.logger.Warn("session_summary_sms_failed", "session_id", id, "reason", string(errorsx.Reason(err)), "error", err.Error())
			return
		}
		n.logger.Info("session_summary_sms_sent", "session_id", id, "recipients", len(n.cfg.To))
	}
}

// markSent records id, forgetting the oldest entry once the set is full.
// Callers hold n.mu.
func (n *Notifier) markSent(id string) {
	n.sent[id] = true
	n.order = append(n.order, id)
	if len(n.order) > maxTrackedSessions {
		delete(n.sent, n.order[0])
		n.order = n.order[1:]
	}
}

func (n *Notifier) body(id string, count uint64, took time.Duration, reason string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "japa %s: %d × %s", short, count, n.cfg.Word)
	if took > 0 {
		fmt.Fprintf(&b, " in %s", took.Round(time.Second))
	}
	if reason != "" {
		fmt.Fprintf(&b, " (%s)", strings.ReplaceAll(reason, "_", " "))
	}
	return b.String()
}

// Send delivers body to every recipient; failures are joined.
func (n *Notifier) Send(ctx context.Context, body string) error {
	var errs []error
	for _, to := range n.cfg.To {
		if err := n.sendOne(ctx, to, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) sendOne(ctx context.Context, to, body string) error {
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(n.cfg.From)
	params.SetBody(body)
	err := n.retry.Do(ctx, func(context.Context) error {
		return n.breaker.Execute(func() error {
			resp, err := n.client.CreateMessage(params)
			if err != nil {
				return classify(err)
			}
			if resp == nil || resp.Sid == nil {
				return errors.New("missing message sid")
			}
			return nil
		})
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return errorsx.Wrap(err, errorsx.ReasonNotifyCircuitOpen)
	case resilience.IsRateLimit(err):
		return errorsx.Wrap(err, errorsx.ReasonNotifyRateLimit)
	default:
		return errorsx.Wrap(err, errorsx.ReasonNotifySend)
	}
}

func classify(err error) error {
	var rest *twilioclient.TwilioRestError
	if errors.As(err, &rest) && rest.Status == 429 {
		return resilience.RateLimitError{Provider: "twilio", Message: rest.Message}
	}
	return err
}

// permanent marks 4xx responses other than rate limits; retrying cannot help.
func permanent(err error) bool {
	var rest *twilioclient.TwilioRestError
	if errors.As(err, &rest) {
		return rest.Status >= 400 && rest.Status < 500 && rest.Status != 429
	}
	return false
}
