package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/logging"
	"github.com/harunnryd/japa/pkg/render"
	"github.com/harunnryd/japa/pkg/resilience"
	"github.com/harunnryd/japa/pkg/transports"
)

type Config struct {
	Servers          []string `mapstructure:"servers"`
	SubjectPrefix    string   `mapstructure:"subject_prefix"`
	Username         string   `mapstructure:"username"`
	Password         string   `mapstructure:"password"`
	Token            string   `mapstructure:"token"`
	TLSInsecure      bool     `mapstructure:"tls_insecure"`
	ConnectTimeoutMS int      `mapstructure:"connect_timeout_ms"`
	PublishRetries   int      `mapstructure:"publish_retries"`
	PublishBackoffMS int      `mapstructure:"publish_backoff_ms"`
	QueueSize        int      `mapstructure:"queue_size"`
}

func (c Config) withDefaults() Config {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "japa"
	}
	c.SubjectPrefix = strings.TrimSuffix(c.SubjectPrefix, ".")
	if c.ConnectTimeoutMS <= 0 {
		c.ConnectTimeoutMS = 2000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// UpdateSubject carries every render update as JSON.
func (c Config) UpdateSubject() string { return c.SubjectPrefix + ".session.update" }

// StartSubject and StopSubject accept request/reply control messages.
func (c Config) StartSubject() string { return c.SubjectPrefix + ".control.start" }
func (c Config) StopSubject() string  { return c.SubjectPrefix + ".control.stop" }

// conn is the slice of a NATS connection the transport needs.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (func() error, error)
	Drain() error
	Close()
}

type natsConn struct {
	*nats.Conn
}

func (c natsConn) Subscribe(subject string, cb nats.MsgHandler) (func() error, error) {
	sub, err := c.Conn.Subscribe(subject, cb)
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

type dialFunc func(ctx context.Context, cfg Config) (conn, error)

func dialNATS(_ context.Context, cfg Config) (conn, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	options := []nats.Option{
		nats.Name("japa"),
		nats.Timeout(time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return natsConn{Conn: nc}, nil
}

// Transport mirrors render updates onto NATS and answers remote start/stop
// requests. Publishing happens on its own goroutine so Render never blocks.
type Transport struct {
	cfg     Config
	control transports.Control
	dial    dialFunc
	retry   resilience.RetryPolicy
	logger  *slog.Logger

	mu      sync.Mutex
	conn    conn
	unsubs  []func() error
	queue   chan []byte
	done    chan struct{}
	stopped bool
}

func New(cfg Config, control transports.Control) *Transport {
	cfg = cfg.withDefaults()
	retry := resilience.NewRetryPolicy(cfg.PublishRetries, time.Duration(cfg.PublishBackoffMS)*time.Millisecond)
	retry.Retryable = func(err error) bool {
		return !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubject)
	}
	return &Transport{
		cfg:     cfg,
		control: control,
		dial:    dialNATS,
		retry:   retry,
		queue:   make(chan []byte, cfg.QueueSize),
		done:    make(chan struct{}),
		logger:  logging.NewComponentLogger(slog.Default(), "bus_transport"),
	}
}

func (t *Transport) Name() string { return "bus" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"servers":       strings.Join(t.cfg.Servers, ","),
		"update":        t.cfg.UpdateSubject(),
		"control_start": t.cfg.StartSubject(),
		"control_stop":  t.cfg.StopSubject(),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var c conn
	err := t.retry.Do(ctx, func(ctx context.Context) error {
		var derr error
		c, derr = t.dial(ctx, t.cfg)
		return derr
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonBusConnect)
	}
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()

	if t.control != nil {
		for subject, handler := range map[string]nats.MsgHandler{
			t.cfg.StartSubject(): t.handleStart,
			t.cfg.StopSubject():  t.handleStop,
		} {
			unsub, err := c.Subscribe(subject, handler)
			if err != nil {
				_ = t.Stop()
				return errorsx.Wrap(fmt.Errorf("subscribe %s: %w", subject, err), errorsx.ReasonBusConnect)
			}
			t.mu.Lock()
			t.unsubs = append(t.unsubs, unsub)
			t.mu.Unlock()
		}
	}
	go t.loop(ctx, c)
	t.logger.Info("bus_transport_ready", "servers", strings.Join(t.cfg.Servers, ","), "subject", t.cfg.UpdateSubject())
	return nil
}

// Render implements render.Sink. Updates are dropped when the queue is full.
func (t *Transport) Render(u render.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.queue <- data:
	default:
		t.logger.Warn("bus_update_dropped", "session_id", u.SessionID)
	}
}

func (t *Transport) loop(ctx context.Context, c conn) {
	defer close(t.done)
	subject := t.cfg.UpdateSubject()
	for data := range t.queue {
		err := t.retry.Do(ctx, func(context.Context) error {
			return c.Publish(subject, data)
		})
		if err != nil {
			t.logger.Warn("bus_publish_failed", "error", errorsx.Wrap(err, errorsx.ReasonBusPublish).Error())
		}
	}
}

type reply struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (t *Transport) handleStart(msg *nats.Msg) {
	id, err := t.control.Start()
	t.respond(msg, reply{SessionID: id, Error: errText(err), Reason: reasonText(err)})
}

func (t *Transport) handleStop(msg *nats.Msg) {
	err := t.control.Stop()
	t.respond(msg, reply{Error: errText(err), Reason: reasonText(err)})
}

func (t *Transport) respond(msg *nats.Msg, r reply) {
	if msg == nil || msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.Publish(msg.Reply, data); err != nil {
		t.logger.Warn("bus_reply_failed", "subject", msg.Subject, "error", err.Error())
	}
}

// Stop flushes queued updates, unsubscribes and drains the connection.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	close(t.queue)
	c := t.conn
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	<-t.done
	var errs []error
	for _, u := range unsubs {
		if err := u(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Drain(); err != nil {
		errs = append(errs, err)
	}
	c.Close()
	return errors.Join(errs...)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func reasonText(err error) string {
	if err == nil {
		return ""
	}
	return string(errorsx.Reason(err))
}

var (
	_ transports.Transport     = (*Transport)(nil)
	_ transports.ReadyReporter = (*Transport)(nil)
)
