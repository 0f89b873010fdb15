package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Mic is a PCM16-LE microphone stream.
type Mic interface {
	Start() error
	Stop() error
	Close() error
	Stream(w io.Writer) error
}

type DeepgramConfig struct {
	APIKey          string
	Model           string
	SampleRates     []int
	NoSpeechTimeout time.Duration

	// OpenMic opens the default input device at the given sample rate.
	OpenMic func(sampleRate int) (Mic, error)
	// Tee wraps the websocket writer, e.g. to record the raw audio.
	Tee func(io.Writer) io.Writer
	// OnSampleRate reports the rate the microphone was opened with.
	OnSampleRate func(rate int)
}

type liveConn interface {
	io.Writer
	Stop()
}

type dialFunc func(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb *deepgramCallback) (liveConn, error)

// DeepgramSource streams the local microphone to Deepgram live
// transcription. Deepgram sessions are always continuous.
type DeepgramSource struct {
	cfg  DeepgramConfig
	dial dialFunc
	wait func(time.Duration)
}

var initDeepgram sync.Once

func NewDeepgramSource(cfg DeepgramConfig) *DeepgramSource {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if len(cfg.SampleRates) == 0 {
		cfg.SampleRates = []int{16000}
	}
	initDeepgram.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})
	return &DeepgramSource{cfg: cfg, dial: dialDeepgram, wait: time.Sleep}
}

func (s *DeepgramSource) Supported() bool {
	return s.cfg.APIKey != "" && s.cfg.OpenMic != nil
}

func (s *DeepgramSource) Begin(ctx context.Context, opts Options, sink Sink) (Capture, error) {
	mic, rate, err := s.openMic()
	if err != nil {
		return nil, &CaptureError{Code: micErrorCode(err), Err: err}
	}
	if err := mic.Start(); err != nil {
		_ = mic.Close()
		return nil, &CaptureError{Code: micErrorCode(err), Err: fmt.Errorf("start microphone: %w", err)}
	}
	if s.cfg.OnSampleRate != nil {
		s.cfg.OnSampleRate(rate)
	}

	detector := NewDetector(s.cfg.NoSpeechTimeout)
	detector.OnSilence(func() {
		sink.Failed(CodeNoSpeech, fmt.Sprintf("no speech for %s", detector.timeout))
	})
	cb := &deepgramCallback{sink: sink, detector: detector}

	language := opts.Language
	if language == "" {
		language = DefaultLanguage
	}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       language,
		Punctuate:      true,
		SmartFormat:    true,
		Encoding:       "linear16",
		SampleRate:     rate,
		Channels:       1,
		InterimResults: opts.Interim,
	}

	runCtx, cancel := context.WithCancel(ctx)
	conn, err := s.dial(runCtx, s.cfg.APIKey, tOptions, cb)
	if err != nil {
		cancel()
		detector.Stop()
		_ = mic.Stop()
		_ = mic.Close()
		return nil, &CaptureError{Code: CodeNetwork, Err: err}
	}

	c := &deepgramCapture{
		cancel:   cancel,
		mic:      mic,
		conn:     conn,
		detector: detector,
		done:     make(chan struct{}),
	}

	var w io.Writer = conn
	if s.cfg.Tee != nil {
		w = s.cfg.Tee(conn)
	}
	go func() {
		defer close(c.done)
		if err := streamMicWithRetry(runCtx, mic, w, s.wait); err != nil {
			slog.Error("mic stream error", "error", err)
			sink.Failed(CodeAudioCapture, err.Error())
		}
	}()

	return c, nil
}

func (s *DeepgramSource) openMic() (Mic, int, error) {
	if s.cfg.OpenMic == nil {
		return nil, 0, errors.New("no microphone configured")
	}

	var errs []error
	for _, rate := range s.cfg.SampleRates {
		mic, err := s.cfg.OpenMic(rate)
		if err != nil {
			slog.Warn("microphone open failed", "sample_rate", rate, "error", err)
			errs = append(errs, err)
			continue
		}
		return mic, rate, nil
	}
	return nil, 0, fmt.Errorf("open microphone: %w", errors.Join(errs...))
}

func micErrorCode(err error) string {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"permission", "not allowed", "access denied"} {
		if strings.Contains(msg, marker) {
			return CodeNotAllowed
		}
	}
	return CodeAudioCapture
}

func dialDeepgram(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb *deepgramCallback) (liveConn, error) {
	conn, err := client.NewWSUsingCallback(ctx, apiKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, cb)
	if err != nil {
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if !conn.Connect() {
		return nil, errors.New("deepgram connect failed")
	}
	return conn, nil
}

type deepgramCapture struct {
	cancel   context.CancelFunc
	mic      Mic
	conn     liveConn
	detector *Detector
	done     chan struct{}

	once sync.Once
	err  error
}

func (c *deepgramCapture) End() error {
	c.once.Do(func() {
		c.cancel()
		c.detector.Stop()
		stopErr := c.mic.Stop()
		c.conn.Stop()

		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			slog.Warn("mic stream did not stop in time")
		}

		c.err = errors.Join(stopErr, c.mic.Close())
	})
	return c.err
}

type micStreamer interface {
	Stream(writer io.Writer) error
}

// streamMicWithRetry restarts the stream after input overflows. It returns
// nil once ctx is done.
func streamMicWithRetry(ctx context.Context, streamer micStreamer, writer io.Writer, wait func(time.Duration)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := streamer.Stream(writer)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			slog.Warn("mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}

		return err
	}
}

// deepgramCallback translates Deepgram websocket events into Sink events.
type deepgramCallback struct {
	sink     Sink
	detector *Detector
}

func (c *deepgramCallback) Open(*api.OpenResponse) error {
	slog.Info("connected to Deepgram")
	c.sink.Opened()
	c.detector.OnUtteranceEnd()
	return nil
}

func (c *deepgramCallback) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}

	text := mr.Channel.Alternatives[0].Transcript
	if strings.TrimSpace(text) == "" {
		return nil
	}
	c.detector.OnSpeech()

	if !mr.IsFinal {
		c.sink.Result(text, false)
		return nil
	}

	c.sink.Result(text, true)
	if mr.SpeechFinal {
		c.detector.OnUtteranceEnd()
	}
	return nil
}

func (c *deepgramCallback) Metadata(*api.MetadataResponse) error { return nil }

func (c *deepgramCallback) SpeechStarted(*api.SpeechStartedResponse) error {
	c.detector.OnSpeech()
	return nil
}

func (c *deepgramCallback) UtteranceEnd(*api.UtteranceEndResponse) error {
	c.detector.OnUtteranceEnd()
	return nil
}

func (c *deepgramCallback) Close(*api.CloseResponse) error {
	slog.Info("disconnected from Deepgram")
	c.detector.Stop()
	c.sink.Closed()
	return nil
}

func (c *deepgramCallback) Error(er *api.ErrorResponse) error {
	c.sink.Failed(CodeNetwork, fmt.Sprintf("%s: %s", er.ErrCode, er.Description))
	return nil
}

func (c *deepgramCallback) UnhandledEvent([]byte) error { return nil }
