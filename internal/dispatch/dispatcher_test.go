package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bredai/internal/catalog"
	"bredai/internal/credentials"
	"bredai/internal/metrics"
	"bredai/internal/personality"
	"bredai/internal/project"
	"bredai/internal/providers"
	"bredai/internal/search"
)

type keys map[providers.Name]string

func (k keys) APIKey(_ context.Context, p providers.Name) (string, error) {
	return k[p], nil
}

type chatFunc func(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error)

func (f chatFunc) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	return f(ctx, req)
}

type call struct {
	provider providers.Name
	req      providers.ChatRequest
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(p providers.Name, req providers.ChatRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{provider: p, req: req})
}

func (r *recorder) order() []providers.Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]providers.Name, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.provider
	}
	return out
}

func (r *recorder) last() call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func echo(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	return providers.ChatResponse{Text: "echo: " + req.Message}, nil
}

func newTestDispatcher(t *testing.T, k keys, handlers map[providers.Name]chatFunc, mutate func(*Config)) (*Dispatcher, *recorder) {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	m := metrics.New()
	reg, err := credentials.NewRegistry(credentials.RegistryConfig{Keys: k, Logger: zerolog.Nop(), Metrics: m})
	require.NoError(t, err)

	rec := &recorder{}
	cfg := Config{
		Catalog:     cat,
		Credentials: reg,
		Timeout:     time.Second,
		Logger:      zerolog.Nop(),
		Metrics:     m,
		Factory: func(p providers.Name, cred credentials.Credential) (providers.Provider, error) {
			h, ok := handlers[p]
			if !ok {
				h = echo
			}
			return chatFunc(func(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
				rec.add(p, req)
				return h(ctx, req)
			}), nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d, rec
}

func rateLimited(p providers.Name) chatFunc {
	return func(context.Context, providers.ChatRequest) (providers.ChatResponse, error) {
		return providers.ChatResponse{}, &providers.ProviderError{Provider: p, Status: http.StatusTooManyRequests, Message: "limit"}
	}
}

func TestFallbackSkipsProvidersWithoutCredential(t *testing.T) {
	d, rec := newTestDispatcher(t,
		keys{providers.Groq: "g", providers.Cerebras: "c"},
		map[providers.Name]chatFunc{providers.Groq: rateLimited(providers.Groq)},
		nil)

	res, err := d.Send(context.Background(), Request{Message: "Hallo", ModelKey: "groq-llama-3.3-70b"})
	require.NoError(t, err)
	require.Equal(t, []providers.Name{providers.Groq, providers.Cerebras}, rec.order())
	require.Equal(t, providers.Cerebras, res.Provider)
	require.Equal(t, "cerebras-llama-3.3-70b", res.Model)
	require.NotNil(t, res.Fallback)
	require.Equal(t, FailureRateLimit, res.Fallback.Reason)
	require.Equal(t, "llama-3.3-70b", rec.last().req.Model)
}

func TestTimeoutResolvesThroughFallback(t *testing.T) {
	slow := func(ctx context.Context, _ providers.ChatRequest) (providers.ChatResponse, error) {
		select {
		case <-time.After(5 * time.Second):
			return providers.ChatResponse{Text: "too late"}, nil
		case <-ctx.Done():
			return providers.ChatResponse{}, ctx.Err()
		}
	}
	d, rec := newTestDispatcher(t,
		keys{providers.Gemini: "k", providers.Groq: "g"},
		map[providers.Name]chatFunc{providers.Gemini: slow},
		func(c *Config) { c.Timeout = 30 * time.Millisecond })

	start := time.Now()
	res, err := d.Send(context.Background(), Request{Message: "Hallo", ModelKey: "gemini-2.5-flash"})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, "echo: Hallo", res.Text)
	require.Equal(t, providers.Groq, res.Provider)
	require.Equal(t, FailureTimeout, res.Fallback.Reason)
	require.True(t, errors.Is(res.Fallback.Cause, ErrTimeout))
	require.Equal(t, []providers.Name{providers.Gemini, providers.Groq}, rec.order())
}

func TestNoFallbackCandidateReturnsOriginalError(t *testing.T) {
	d, _ := newTestDispatcher(t,
		keys{providers.Groq: "g"},
		map[providers.Name]chatFunc{providers.Groq: rateLimited(providers.Groq)},
		nil)

	_, err := d.Send(context.Background(), Request{Message: "Hallo", ModelKey: "groq-llama-3.3-70b"})
	var perr *providers.ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, providers.Groq, perr.Provider)
}

func TestUnconfiguredModelFallsBack(t *testing.T) {
	d, rec := newTestDispatcher(t, keys{providers.NVIDIA: "n"}, nil, nil)

	res, err := d.Send(context.Background(), Request{Message: "Hallo", ModelKey: "gemini-2.5-flash"})
	require.NoError(t, err)
	require.Equal(t, []providers.Name{providers.NVIDIA}, rec.order())
	require.Equal(t, FailureOther, res.Fallback.Reason)
	require.True(t, errors.Is(res.Fallback.Cause, credentials.ErrExhausted))
}

func TestPanickingProviderBecomesError(t *testing.T) {
	boom := func(context.Context, providers.ChatRequest) (providers.ChatResponse, error) {
		panic("adapter bug")
	}
	d, _ := newTestDispatcher(t,
		keys{providers.Gemini: "k", providers.Groq: "g"},
		map[providers.Name]chatFunc{providers.Gemini: boom},
		nil)

	res, err := d.Send(context.Background(), Request{Message: "Hallo", ModelKey: "gemini-2.5-flash"})
	require.NoError(t, err)
	require.Equal(t, FailureOther, res.Fallback.Reason)
	require.Contains(t, res.Fallback.Cause.Error(), "adapter bug")
}

type fakeSearcher struct {
	results []search.Result
	err     error
	calls   int
}

func (f *fakeSearcher) Configured() bool { return true }

func (f *fakeSearcher) Search(_ context.Context, _ string) ([]search.Result, error) {
	f.calls++
	return f.results, f.err
}

func searchAwareGemini(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	switch {
	case strings.HasPrefix(req.Message, "Prüfe die folgende"):
		return providers.ChatResponse{Text: "JA"}, nil
	case strings.HasPrefix(req.Message, "Formuliere"):
		return providers.ChatResponse{Text: `"wetter berlin morgen"`}, nil
	}
	return echo(ctx, req)
}

func TestProjectDispatchSkipsOpenDomainPath(t *testing.T) {
	searcher := &fakeSearcher{}
	answer := func(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
		return providers.ChatResponse{Text: "Verstanden. Gern.\nDer Umzug ist am 3. Mai."}, nil
	}
	d, rec := newTestDispatcher(t,
		keys{providers.Gemini: "k"},
		map[providers.Name]chatFunc{providers.Gemini: answer},
		func(c *Config) { c.Search = searcher })

	res, err := d.Send(context.Background(), Request{
		Message:    "Wie wird das Wetter beim Umzug?",
		ModelKey:   "groq-llama-3.3-70b",
		AutoSearch: true,
		Project: &project.Project{
			ID: "p", Name: "Umzug", BotID: "planbred",
			Texts: []string{"Termin: 3. Mai"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Der Umzug ist am 3. Mai.", res.Text)
	require.Zero(t, searcher.calls)
	require.Len(t, rec.calls, 1)
	last := rec.last()
	require.Equal(t, providers.Gemini, last.provider)
	require.NotEmpty(t, last.req.Preamble)
	require.Equal(t, "Wie wird das Wetter beim Umzug?", last.req.Message)
}

func TestSearchResultsSpliced(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{{Link: "https://wetter.example", Snippet: "Sonne"}}}
	d, rec := newTestDispatcher(t,
		keys{providers.Gemini: "k"},
		map[providers.Name]chatFunc{providers.Gemini: searchAwareGemini},
		func(c *Config) { c.Search = searcher })

	res, err := d.Send(context.Background(), Request{Message: "Wetter morgen?", ModelKey: "gemini-2.5-flash", AutoSearch: true})
	require.NoError(t, err)
	require.True(t, res.Searched)
	require.Equal(t, 1, searcher.calls)
	msg := rec.last().req.Message
	require.Contains(t, msg, "[Suchergebnisse]:\n[Quelle: https://wetter.example]\nSonne")
	require.True(t, strings.HasSuffix(msg, "[Originalfrage]:\nWetter morgen?"))
}

func TestSearchFailureAnnotatesMessage(t *testing.T) {
	searcher := &fakeSearcher{err: search.ErrQuotaExhausted}
	d, rec := newTestDispatcher(t,
		keys{providers.Gemini: "k"},
		map[providers.Name]chatFunc{providers.Gemini: searchAwareGemini},
		func(c *Config) { c.Search = searcher })

	_, err := d.Send(context.Background(), Request{Message: "Wetter morgen?", ModelKey: "gemini-2.5-flash", AutoSearch: true})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(rec.last().req.Message, "(Anweisung: Erwähne einen Fehler bei der Websuche.)"))
}

func TestSearchEmptyAnnotatesQuery(t *testing.T) {
	searcher := &fakeSearcher{}
	d, rec := newTestDispatcher(t,
		keys{providers.Gemini: "k"},
		map[providers.Name]chatFunc{providers.Gemini: searchAwareGemini},
		func(c *Config) { c.Search = searcher })

	_, err := d.Send(context.Background(), Request{Message: "Wetter morgen?", ModelKey: "gemini-2.5-flash", AutoSearch: true})
	require.NoError(t, err)
	require.Contains(t, rec.last().req.Message, "Websuche nach 'wetter berlin morgen' war erfolglos")
}

func TestSearchSkippedWhenCheckFails(t *testing.T) {
	searcher := &fakeSearcher{}
	failingCheck := func(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
		if strings.HasPrefix(req.Message, "Prüfe") {
			return providers.ChatResponse{}, errors.New("boom")
		}
		return echo(ctx, req)
	}
	d, _ := newTestDispatcher(t,
		keys{providers.Gemini: "k"},
		map[providers.Name]chatFunc{providers.Gemini: failingCheck},
		func(c *Config) { c.Search = searcher })

	res, err := d.Send(context.Background(), Request{Message: "Wetter morgen?", ModelKey: "gemini-2.5-flash", AutoSearch: true})
	require.NoError(t, err)
	require.False(t, res.Searched)
	require.Zero(t, searcher.calls)
	require.Equal(t, "echo: Wetter morgen?", res.Text)
}

func TestAppQueryGetsKnowledgeContext(t *testing.T) {
	d, rec := newTestDispatcher(t, keys{providers.Groq: "g"}, nil, nil)

	_, err := d.Send(context.Background(), Request{Message: "Wie wechsle ich den Bot?", ModelKey: "groq-llama-3.3-70b"})
	require.NoError(t, err)
	msg := rec.last().req.Message
	require.Contains(t, msg, "--- KONTEXT AUS WISSENSBASIS ---")
	require.True(t, strings.HasSuffix(msg, "Frage des Nutzers: Wie wechsle ich den Bot?"))
}

func TestAttachmentRequiresVisionModel(t *testing.T) {
	d, rec := newTestDispatcher(t, keys{providers.Gemini: "k", providers.Groq: "g"}, nil, nil)

	res, err := d.Send(context.Background(), Request{
		Message:     "Was ist auf dem Bild?",
		ModelKey:    "groq-llama-3.3-70b",
		Attachments: []providers.Attachment{{Name: "a.png", MimeType: "image/png", Data: "iVBOR"}},
	})
	require.NoError(t, err)
	require.Equal(t, providers.Gemini, res.Provider)
	require.Equal(t, "gemini-2.5-flash", rec.last().req.Model)
	require.Len(t, rec.last().req.Attachments, 1)
}

func TestHistoryWindowAndSampling(t *testing.T) {
	d, rec := newTestDispatcher(t, keys{providers.Groq: "g"}, nil, nil)

	history := make([]providers.Turn, 20)
	for i := range history {
		history[i] = providers.Turn{Role: providers.RoleUser, Text: string(rune('a' + i))}
	}
	globalTemp := 0.2
	customTopP := 0.5
	bot := personality.Custom{Key: "c1", Name: "Kurz", Prompt: "Sei kurz, {name}.", TopP: &customTopP}

	_, err := d.Send(context.Background(), Request{
		Message:     "Hallo",
		ModelKey:    "groq-llama-3.3-70b",
		History:     history,
		Personality: bot,
		Profile:     personality.Context{Name: "Alex"},
		Temperature: &globalTemp,
	})
	require.NoError(t, err)

	req := rec.last().req
	require.Len(t, req.History, HistoryWindow)
	require.Equal(t, "f", req.History[0].Text)
	require.Equal(t, "t", req.History[HistoryWindow-1].Text)
	require.Equal(t, "Hallo", req.Message)
	require.Equal(t, "Sei kurz, Alex.", req.SystemPrompt)
	require.Equal(t, 0.2, *req.Temperature)
	require.Equal(t, 0.5, *req.TopP)
}

func TestZeroDefaultTemperatureIsKept(t *testing.T) {
	zero := 0.0
	d, rec := newTestDispatcher(t, keys{providers.Groq: "g"}, nil, func(c *Config) { c.DefaultTemperature = &zero })

	_, err := d.Send(context.Background(), Request{Message: "Hallo", ModelKey: "groq-llama-3.3-70b"})
	require.NoError(t, err)
	req := rec.last().req
	require.Equal(t, 0.0, *req.Temperature)
	require.Equal(t, DefaultTopP, *req.TopP)
}

func TestNextProviderNeverReturnsFailed(t *testing.T) {
	d, _ := newTestDispatcher(t, keys{providers.Gemini: "k"}, nil, nil)

	_, ok := d.nextProvider(context.Background(), providers.Gemini)
	require.False(t, ok)

	d, _ = newTestDispatcher(t, keys{providers.Gemini: "k", providers.NVIDIA: "n", providers.Cerebras: "c"}, nil, nil)
	next, ok := d.nextProvider(context.Background(), providers.Cerebras)
	require.True(t, ok)
	require.Equal(t, providers.Gemini, next)
}

func TestCompleteHasNoFallback(t *testing.T) {
	d, rec := newTestDispatcher(t,
		keys{providers.Gemini: "k", providers.Groq: "g"},
		map[providers.Name]chatFunc{providers.Gemini: rateLimited(providers.Gemini)},
		nil)

	_, err := d.Complete(context.Background(), "gemini-2.5-flash-lite", "x")
	require.True(t, providers.IsRateLimited(err))
	require.Equal(t, []providers.Name{providers.Gemini}, rec.order())
}
