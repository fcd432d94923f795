package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/japa/pkg/adapters/stt"
	"github.com/harunnryd/japa/pkg/audio"
	"github.com/harunnryd/japa/pkg/errorsx"
	"github.com/harunnryd/japa/pkg/logging"
	"github.com/harunnryd/japa/pkg/redact"
	"github.com/harunnryd/japa/pkg/transcript"
)

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	Channels       int
	Interim        bool
	SmartFormat    bool
	UtteranceEndMS int
}

// conn is the part of the Deepgram websocket client the recognizer drives.
type conn interface {
	Connect() bool
	Stream(r io.Reader) error
	Stop()
}

type dialFunc func(ctx context.Context, cfg Config, cb msginterfaces.LiveMessageCallback) (conn, error)

// Recognizer streams microphone audio to Deepgram live transcription and
// folds its one-hypothesis-at-a-time messages into slot events.
type Recognizer struct {
	cfg    Config
	source audio.Source
	dial   dialFunc
	logger *slog.Logger

	mu     sync.Mutex
	active *live
}

func New(cfg Config, source audio.Source) *Recognizer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Recognizer{
		cfg:    cfg,
		source: source,
		dial:   dialWebsocket,
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (r *Recognizer) Name() string { return "deepgram" }

// Available requires an API key and an audio source.
func (r *Recognizer) Available() bool {
	return strings.TrimSpace(r.cfg.APIKey) != "" && r.source != nil
}

func dialWebsocket(ctx context.Context, cfg Config, cb msginterfaces.LiveMessageCallback) (conn, error) {
	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       cfg.Language,
		Encoding:       cfg.Encoding,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		InterimResults: cfg.Interim,
		SmartFormat:    cfg.SmartFormat,
	}
	if cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", cfg.UtteranceEndMS)
	}
	ws, err := client.NewWSUsingCallback(ctx, cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// Start opens the audio source, connects and reports through listener until
// OnEnd. A failure to connect is returned, not reported as a callback.
func (r *Recognizer) Start(ctx context.Context, listener stt.Listener) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()
	if prev != nil {
		r.logger.Warn("deepgram_attempt_superseded")
		prev.finish()
	}

	if !r.Available() {
		return errorsx.New(errorsx.ReasonUnavailable, "deepgram recognizer is not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	in, err := r.source.Open(ctx)
	if err != nil {
		cancel()
		return err
	}

	l := &live{
		parent:   r,
		cancel:   cancel,
		audio:    in,
		listener: listener,
		slots:    transcript.NewSlotBuffer(),
	}
	c, err := r.dial(ctx, r.cfg, l)
	if err != nil {
		cancel()
		_ = in.Close()
		return errorsx.Wrap(fmt.Errorf("create deepgram client: %w", err), errorsx.ReasonSTTConnect)
	}
	if !c.Connect() {
		cancel()
		_ = in.Close()
		r.logger.Error("deepgram_connect_failed", slog.String("model", r.cfg.Model))
		return errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}
	l.conn = c

	r.mu.Lock()
	r.active = l
	r.mu.Unlock()

	r.logger.Info("deepgram_connected",
		slog.String("model", r.cfg.Model),
		slog.String("language", r.cfg.Language),
		slog.Int("sample_rate", r.cfg.SampleRate))
	listener.OnStart()

	go l.pump(ctx)
	return nil
}

// Stop closes the audio stream and the connection; OnEnd follows.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	l := r.active
	r.mu.Unlock()
	if l == nil {
		return nil
	}
	l.finish()
	return nil
}

func (r *Recognizer) release(l *live) {
	r.mu.Lock()
	if r.active == l {
		r.active = nil
	}
	r.mu.Unlock()
}

// live is one connected attempt. It is also the SDK callback.
type live struct {
	parent   *Recognizer
	cancel   context.CancelFunc
	audio    io.ReadCloser
	conn     conn
	listener stt.Listener

	mu    sync.Mutex
	slots *transcript.SlotBuffer

	stopping   bool
	endOnce    sync.Once
	metaLogged bool
}

func (l *live) pump(ctx context.Context) {
	err := l.conn.Stream(l.audio)
	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()
	if err != nil && ctx.Err() == nil && !stopping {
		l.parent.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		l.listener.OnError(errorsx.CodeNetwork)
	}
	l.finish()
}

// finish tears the attempt down once and reports OnEnd once.
func (l *live) finish() {
	l.endOnce.Do(func() {
		l.mu.Lock()
		l.stopping = true
		l.mu.Unlock()
		l.cancel()
		if err := l.audio.Close(); err != nil {
			l.parent.logger.Warn("audio_close_failed", slog.String("error", err.Error()))
		}
		if l.conn != nil {
			l.conn.Stop()
		}
		l.parent.release(l)
		l.listener.OnEnd()
	})
}

func (l *live) Open(*msginterfaces.OpenResponse) error {
	l.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (l *live) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := mr.Channel.Alternatives[0].Transcript
	isFinal := mr.IsFinal || mr.SpeechFinal

	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return nil
	}
	ev, ok := l.slots.Apply(text, isFinal)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	l.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Transcript(text, 80)),
		slog.Bool("is_final", isFinal))
	l.listener.OnResult(ev)
	return nil
}

func (l *live) Metadata(md *msginterfaces.MetadataResponse) error {
	l.mu.Lock()
	first := !l.metaLogged
	l.metaLogged = true
	l.mu.Unlock()
	if first {
		l.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (l *live) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (l *live) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	return nil
}

// Close is the server closing the socket. Unless we asked for it, the
// controller sees an end without a stop and restarts.
func (l *live) Close(*msginterfaces.CloseResponse) error {
	l.parent.logger.Info("deepgram_connection_closed")
	go l.finish()
	return nil
}

func (l *live) Error(er *msginterfaces.ErrorResponse) error {
	l.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	l.mu.Lock()
	stopping := l.stopping
	l.mu.Unlock()
	if !stopping {
		l.listener.OnError(ErrorCode(er.ErrCode, er.ErrMsg))
	}
	return nil
}

func (l *live) UnhandledEvent(b []byte) error {
	l.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(b)))
	return nil
}

// ErrorCode maps a Deepgram error onto the recognizer error codes the
// session understands: authorization problems need user action, anything
// else is a transient network failure.
func ErrorCode(code, msg string) string {
	s := strings.ToLower(code + " " + msg)
	for _, marker := range []string{"401", "403", "unauthorized", "forbidden", "invalid_auth", "insufficient_permissions"} {
		if strings.Contains(s, marker) {
			return errorsx.CodeNotAllowed
		}
	}
	return errorsx.CodeNetwork
}

var (
	_ stt.Recognizer                    = (*Recognizer)(nil)
	_ stt.Availability                  = (*Recognizer)(nil)
	_ msginterfaces.LiveMessageCallback = (*live)(nil)
)
