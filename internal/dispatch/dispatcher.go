// Package dispatch routes one user message to a provider: it resolves the
// model and credential, enriches the prompt, races the call against a
// timeout and makes at most one fallback hop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"bredai/internal/catalog"
	"bredai/internal/credentials"
	"bredai/internal/knowledge"
	"bredai/internal/metrics"
	"bredai/internal/personality"
	"bredai/internal/project"
	"bredai/internal/providers"
	"bredai/internal/providers/registry"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultTemperature = 0.7
	DefaultTopP        = 0.95

	// HistoryWindow is how many prior turns an open-domain request carries.
	HistoryWindow = 15
)

// DefaultRing is the order providers are tried in after a failure.
var DefaultRing = []providers.Name{providers.Gemini, providers.Groq, providers.NVIDIA, providers.Cerebras}

var ErrTimeout = errors.New("provider call timed out")

type FailureKind string

const (
	FailureTimeout   FailureKind = "timeout"
	FailureRateLimit FailureKind = "rate_limit"
	FailureOther     FailureKind = "error"
)

// FallbackNotice describes the single hop taken after a failed call.
type FallbackNotice struct {
	From   providers.Name
	To     providers.Name
	Model  string
	Reason FailureKind
	Cause  error
}

func (n FallbackNotice) String() string {
	switch n.Reason {
	case FailureTimeout:
		return fmt.Sprintf("%s antwortet nicht rechtzeitig. Wechsle zu %s (%s).", n.From, n.To, n.Model)
	case FailureRateLimit:
		return fmt.Sprintf("%s hat das Limit erreicht. Wechsle zu %s (%s).", n.From, n.To, n.Model)
	default:
		return fmt.Sprintf("%s ist fehlgeschlagen. Wechsle zu %s (%s).", n.From, n.To, n.Model)
	}
}

// ProviderFactory builds an adapter for one provider and credential.
type ProviderFactory func(p providers.Name, cred credentials.Credential) (providers.Provider, error)

type Config struct {
	Catalog     *catalog.Catalog
	Credentials *credentials.Registry
	Knowledge   *knowledge.Index
	Search      Searcher
	Ring        []providers.Name
	Timeout     time.Duration

	// BaseURLs overrides provider endpoints; Factory replaces adapter
	// construction entirely.
	BaseURLs    map[providers.Name]string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Factory     ProviderFactory

	// DefaultTemperature and DefaultTopP apply when neither the request nor
	// the personality sets a value. Nil selects the package defaults; zero
	// is a valid temperature.
	DefaultTemperature *float64
	DefaultTopP        *float64

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

type Dispatcher struct {
	cfg Config
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("dispatcher needs a model catalog")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("dispatcher needs a credential registry")
	}
	if cfg.Knowledge == nil {
		cfg.Knowledge = knowledge.Default()
	}
	if len(cfg.Ring) == 0 {
		cfg.Ring = DefaultRing
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DefaultTemperature == nil {
		t := DefaultTemperature
		cfg.DefaultTemperature = &t
	}
	if cfg.DefaultTopP == nil {
		p := DefaultTopP
		cfg.DefaultTopP = &p
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	d := &Dispatcher{cfg: cfg}
	if d.cfg.Factory == nil {
		d.cfg.Factory = d.buildProvider
	}
	return d, nil
}

func (d *Dispatcher) buildProvider(p providers.Name, cred credentials.Credential) (providers.Provider, error) {
	return registry.Build(registry.BuildOptions{
		Provider:    p,
		BaseURL:     d.cfg.BaseURLs[p],
		APIKey:      cred.Secret,
		HTTPClient:  d.cfg.HTTPClient,
		MaxRetries:  d.cfg.MaxRetries,
		BackoffBase: d.cfg.BackoffBase,
	})
}

// Request is everything the caller knows about one outgoing message.
type Request struct {
	Message     string
	Attachments []providers.Attachment
	// History is chronological and excludes Message.
	History []providers.Turn
	// ModelKey is a catalog key.
	ModelKey    string
	Personality personality.Personality
	Profile     personality.Context
	// Project routes the request through the closed-book path when set.
	Project       *project.Project
	Personalities *personality.Set
	Voice         bool
	AutoSearch    bool
	// Temperature and TopP are the global settings; nil means unset.
	Temperature *float64
	TopP        *float64
}

type Result struct {
	Text     string
	Provider providers.Name
	// Model is the catalog key that produced Text.
	Model    string
	Fallback *FallbackNotice
	Searched bool
}

// Send dispatches req and returns the provider's text untouched, apart from
// acknowledgement stripping on the project path.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	if req.Project != nil {
		return d.sendProject(ctx, req)
	}

	model, err := d.cfg.Catalog.Get(req.ModelKey)
	if err != nil {
		return Result{}, err
	}
	if len(req.Attachments) > 0 && !model.Has(catalog.Vision) {
		if model, err = d.cfg.Catalog.Get(d.cfg.Catalog.VisionModel); err != nil {
			return Result{}, err
		}
	}

	message, searched := d.enrich(ctx, model, req)

	history := req.History
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	chat := providers.ChatRequest{
		SystemPrompt: personality.Render(req.Personality, req.Profile, req.Voice),
		History:      history,
		Message:      message,
		Attachments:  req.Attachments,
	}
	chat.Temperature, chat.TopP = d.sampling(req.Personality, req)

	res, err := d.callWithFallback(ctx, model, chat)
	res.Searched = searched
	return res, err
}

func (d *Dispatcher) sendProject(ctx context.Context, req Request) (Result, error) {
	if req.Personalities == nil {
		req.Personalities = personality.NewSet(nil)
	}
	chat, err := project.Build(project.Input{
		Project:       *req.Project,
		Personalities: req.Personalities,
		ProfileName:   req.Profile.Name,
		History:       req.History,
		Query:         req.Message,
	})
	if err != nil {
		return Result{}, err
	}
	model, err := d.cfg.Catalog.Get(d.cfg.Catalog.VisionModel)
	if err != nil {
		return Result{}, err
	}
	if p, perr := req.Personalities.Get(req.Project.BotID); perr == nil {
		chat.Temperature, chat.TopP = d.sampling(p, req)
	}

	text, err := d.call(ctx, model, chat)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: project.StripAcknowledgement(text), Provider: model.Provider, Model: model.Key}, nil
}

// Complete is a single-shot call without enrichment or fallback. Internal
// classification and summarization sub-calls use it.
func (d *Dispatcher) Complete(ctx context.Context, modelKey, prompt string) (string, error) {
	model, err := d.cfg.Catalog.Get(modelKey)
	if err != nil {
		return "", err
	}
	return d.call(ctx, model, providers.ChatRequest{Message: prompt})
}

// sampling applies personality override, then global setting, then default.
func (d *Dispatcher) sampling(p personality.Personality, req Request) (*float64, *float64) {
	temp, topP := *d.cfg.DefaultTemperature, *d.cfg.DefaultTopP
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if req.TopP != nil {
		topP = *req.TopP
	}
	if p != nil {
		pt, pp := p.Sampling()
		if pt != nil {
			temp = *pt
		}
		if pp != nil {
			topP = *pp
		}
	}
	return &temp, &topP
}

func (d *Dispatcher) callWithFallback(ctx context.Context, model catalog.Model, chat providers.ChatRequest) (Result, error) {
	text, err := d.call(ctx, model, chat)
	if err == nil {
		return Result{Text: text, Provider: model.Provider, Model: model.Key}, nil
	}
	if ctx.Err() != nil {
		return Result{}, err
	}

	reason := classify(err)
	next, ok := d.nextProvider(ctx, model.Provider)
	if !ok {
		d.cfg.Logger.Warn().Err(err).Str("provider", string(model.Provider)).Msg("no fallback provider configured")
		return Result{}, err
	}
	fallback, ok := d.cfg.Catalog.FallbackFor(next)
	if !ok {
		return Result{}, err
	}

	notice := &FallbackNotice{From: model.Provider, To: next, Model: fallback.Key, Reason: reason, Cause: err}
	d.cfg.Metrics.Fallbacks.WithLabelValues(string(model.Provider), string(next), string(reason)).Inc()
	d.cfg.Logger.Warn().
		Err(err).
		Str("provider", string(model.Provider)).
		Str("fallback_provider", string(next)).
		Str("model", fallback.Key).
		Str("reason", string(reason)).
		Msg("falling back")

	text, ferr := d.call(ctx, fallback, chat)
	if ferr != nil {
		return Result{Fallback: notice}, fmt.Errorf("fallback to %s failed: %w", next, ferr)
	}
	return Result{Text: text, Provider: next, Model: fallback.Key, Fallback: notice}, nil
}

// nextProvider walks the ring after failed and returns the first provider
// with a credential. failed itself is never returned.
func (d *Dispatcher) nextProvider(ctx context.Context, failed providers.Name) (providers.Name, bool) {
	ring := d.cfg.Ring
	start := 0
	for i, p := range ring {
		if p == failed {
			start = i + 1
			break
		}
	}
	for i := 0; i < len(ring); i++ {
		p := ring[(start+i)%len(ring)]
		if p == failed {
			continue
		}
		if d.cfg.Credentials.Configured(ctx, p) {
			return p, true
		}
	}
	return "", false
}

func classify(err error) FailureKind {
	var exhausted *credentials.ExhaustedError
	switch {
	case errors.Is(err, ErrTimeout):
		return FailureTimeout
	case providers.IsRateLimited(err):
		return FailureRateLimit
	case errors.As(err, &exhausted) && exhausted.PoolSize > 0:
		return FailureRateLimit
	default:
		return FailureOther
	}
}

// call selects a credential for model and runs one timed provider call.
func (d *Dispatcher) call(ctx context.Context, model catalog.Model, chat providers.ChatRequest) (string, error) {
	cred, err := d.cfg.Credentials.Select(ctx, model)
	if err != nil {
		d.cfg.Metrics.ProviderCalls.WithLabelValues(string(model.Provider), "no_credential").Inc()
		return "", err
	}
	p, err := d.cfg.Factory(model.Provider, cred)
	if err != nil {
		return "", err
	}
	chat.Model = model.ID

	start := time.Now()
	resp, err := d.race(ctx, p, chat)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case providers.IsRateLimited(err):
		outcome = "rate_limited"
	case err != nil:
		outcome = "error"
	}
	d.cfg.Metrics.ProviderCalls.WithLabelValues(string(model.Provider), outcome).Inc()
	if outcome != "timeout" {
		d.cfg.Metrics.ProviderLatency.WithLabelValues(string(model.Provider)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

type outcome struct {
	resp providers.ChatResponse
	err  error
}

// race runs the provider call against the timeout. The losing call is
// abandoned: its context is cancelled and its result lands in a buffered
// channel nobody reads.
func (d *Dispatcher) race(ctx context.Context, p providers.Provider, chat providers.ChatRequest) (providers.ChatResponse, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var out outcome
		var pc panics.Catcher
		pc.Try(func() { out.resp, out.err = p.Chat(callCtx, chat) })
		if r := pc.Recovered(); r != nil {
			out.err = fmt.Errorf("provider panicked: %w", r.AsError())
		}
		done <- out
	}()

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-timer.C:
		return providers.ChatResponse{}, fmt.Errorf("%w after %s", ErrTimeout, d.cfg.Timeout)
	case <-ctx.Done():
		return providers.ChatResponse{}, ctx.Err()
	}
}
