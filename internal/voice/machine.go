// Package voice keeps speech recognition and speech synthesis mutually
// exclusive so the assistant never hears its own answer.
package voice

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultSettleDelay = 400 * time.Millisecond
	DefaultRetryDelay  = 2 * time.Second
)

type State int

const (
	Idle State = iota
	Listening
	Speaking
)

func (s State) String() string {
	switch s {
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	default:
		return "idle"
	}
}

// ErrorKind names a recognition failure as reported by the engine.
type ErrorKind string

const (
	ErrNoSpeech   ErrorKind = "no-speech"
	ErrNotAllowed ErrorKind = "not-allowed"
)

// Recognizer is started with the machine's lock held and must report
// results asynchronously.
type Recognizer interface {
	Start() error
	Stop()
}

type SpeakOptions struct {
	Rate  float64
	Pitch float64
	Voice string
}

// Synthesizer reports completion through Machine.OnSpeechEnd or
// Machine.OnSpeechError.
type Synthesizer interface {
	Speak(text string, opts SpeakOptions) error
	Cancel()
}

type timer interface {
	Stop() bool
}

type Config struct {
	Recognizer  Recognizer
	Synthesizer Synthesizer
	// SettleDelay separates the end of speech from the next listen.
	SettleDelay time.Duration
	RetryDelay  time.Duration
	// OnTranscript receives every non-empty recognition result.
	OnTranscript func(text string)
	Logger       zerolog.Logger

	afterFunc func(d time.Duration, f func()) timer
}

type Machine struct {
	cfg Config

	mu      sync.Mutex
	state   State
	active  bool
	pending timer
}

func New(cfg Config) *Machine {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.OnTranscript == nil {
		cfg.OnTranscript = func(string) {}
	}
	if cfg.afterFunc == nil {
		cfg.afterFunc = func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }
	}
	return &Machine{cfg: cfg}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start activates voice mode and begins listening.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = true
	if m.state == Idle {
		m.listen()
	}
}

// Stop deactivates voice mode from any state.
func (m *Machine) Stop() {
	m.mu.Lock()
	m.active = false
	m.state = Idle
	m.cancelPending()
	m.mu.Unlock()

	m.cfg.Recognizer.Stop()
	m.cfg.Synthesizer.Cancel()
}

// OnResult handles a final recognition result. Empty transcripts resume
// listening right away.
func (m *Machine) OnResult(transcript string) {
	transcript = strings.TrimSpace(transcript)
	m.mu.Lock()
	if m.state != Listening {
		m.mu.Unlock()
		return
	}
	if transcript == "" {
		m.listen()
		m.mu.Unlock()
		return
	}
	m.state = Idle
	m.mu.Unlock()

	m.cfg.Recognizer.Stop()
	m.cfg.OnTranscript(transcript)
}

// Speak stops recognition before synthesis begins.
func (m *Machine) Speak(text string, opts SpeakOptions) {
	m.mu.Lock()
	m.cancelPending()
	m.state = Speaking
	m.mu.Unlock()

	m.cfg.Recognizer.Stop()
	if err := m.cfg.Synthesizer.Speak(text, opts); err != nil {
		m.cfg.Logger.Warn().Err(err).Msg("speech synthesis failed")
		m.OnSpeechError()
	}
}

func (m *Machine) OnSpeechEnd() {
	m.speechDone()
}

func (m *Machine) OnSpeechError() {
	m.speechDone()
}

func (m *Machine) speechDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Speaking {
		return
	}
	m.state = Idle
	m.schedule(m.cfg.SettleDelay)
}

func (m *Machine) OnRecognitionError(kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Listening {
		return
	}
	switch kind {
	case ErrNoSpeech:
		m.listen()
	case ErrNotAllowed:
		m.cfg.Logger.Warn().Msg("microphone access denied, leaving voice mode")
		m.active = false
		m.state = Idle
	default:
		m.cfg.Logger.Debug().Str("kind", string(kind)).Msg("recognition error, retrying")
		m.state = Idle
		m.schedule(m.cfg.RetryDelay)
	}
}

// schedule arranges a resume after d. Callers hold m.mu.
func (m *Machine) schedule(d time.Duration) {
	m.cancelPending()
	m.pending = m.cfg.afterFunc(d, m.resume)
}

func (m *Machine) cancelPending() {
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

// resume listens again only if voice mode is still on and nothing else
// started in the meantime.
func (m *Machine) resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	if !m.active || m.state != Idle {
		return
	}
	m.listen()
}

// listen starts recognition. Callers hold m.mu and never call it while
// Speaking.
func (m *Machine) listen() {
	m.state = Listening
	if err := m.cfg.Recognizer.Start(); err != nil {
		m.cfg.Logger.Warn().Err(err).Msg("recognizer failed to start")
		m.state = Idle
	}
}
