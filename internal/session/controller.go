package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bredai/internal/catalog"
	"bredai/internal/dispatch"
	"bredai/internal/metrics"
	"bredai/internal/personality"
	"bredai/internal/project"
	"bredai/internal/providers"
	"bredai/internal/settings"
)

var (
	ErrProjectActive        = errors.New("selection is locked while a project is active")
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrLastProfile          = errors.New("the last remaining profile cannot be deleted")
	ErrNoActiveProfile      = errors.New("no active profile")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrInvalidProfile       = errors.New("profile name is required")
)

const (
	errorReplyPrefix = "Entschuldigung, ein Fehler ist aufgetreten: "
	fileOnlyMessage  = "Beschreibe die Datei."
)

type Dispatcher interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
	Complete(ctx context.Context, modelKey, prompt string) (string, error)
}

type SettingsStore interface {
	Load(ctx context.Context) (settings.Settings, error)
	SetLastActiveProfile(ctx context.Context, id string) error
}

type Config struct {
	Profiles   *Repository
	Settings   SettingsStore
	Dispatcher Dispatcher
	Catalog    *catalog.Catalog
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
	NewID      func() string
}

// Controller is the single owner of mutable chat state. Every exported
// method is safe for concurrent use; Send calls are serialized so the
// transcript keeps the order the user sent in.
type Controller struct {
	cfg Config

	sendMu sync.Mutex

	mu            sync.Mutex
	profile       *Profile
	personalities *personality.Set
	bot           string
	model         string
	projectID     string
	sessionID     string
	settings      settings.Settings
	voice         bool
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.Profiles == nil || cfg.Settings == nil || cfg.Dispatcher == nil || cfg.Catalog == nil {
		return nil, fmt.Errorf("session controller needs profiles, settings, dispatcher and catalog")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Controller{
		cfg:           cfg,
		personalities: personality.NewSet(nil),
		bot:           personality.DefaultID,
		model:         cfg.Catalog.DefaultModel,
		settings:      settings.Defaults(),
	}, nil
}

// State is a read-only snapshot for rendering.
type State struct {
	ProfileID   string
	ProfileName string
	Personality string
	Model       string
	ProjectID   string
	SessionID   string
	SessionName string
	Voice       bool
	Settings    settings.Settings
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		Personality: c.bot,
		Model:       c.model,
		ProjectID:   c.projectID,
		SessionID:   c.sessionID,
		Voice:       c.voice,
		Settings:    c.settings,
	}
	if c.profile != nil {
		st.ProfileID, st.ProfileName = c.profile.ID, c.profile.Name
		if s := c.profile.session(c.sessionID); s != nil {
			st.SessionName = s.Name
		}
	}
	return st
}

// Profile returns a copy of the active profile.
func (c *Controller) Profile() (Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return Profile{}, ErrNoActiveProfile
	}
	return c.cloneProfile(), nil
}

func (c *Controller) Personalities() []personality.Personality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.personalities.List()
}

// History returns the current session's transcript.
func (c *Controller) History() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return nil
	}
	s := c.profile.session(c.sessionID)
	if s == nil {
		return nil
	}
	return append([]Entry(nil), s.History...)
}

func (c *Controller) SetVoice(on bool) {
	c.mu.Lock()
	c.voice = on
	c.mu.Unlock()
}

// ReloadSettings refreshes the settings snapshot used for dispatch.
func (c *Controller) ReloadSettings(ctx context.Context) error {
	s, err := c.cfg.Settings.Load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	return nil
}

// LoadProfiles activates the last used profile, the oldest one, or a newly
// created default profile, in that order.
func (c *Controller) LoadProfiles(ctx context.Context) error {
	if err := c.ReloadSettings(ctx); err != nil {
		return err
	}
	all, err := c.cfg.Profiles.List(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	last := c.settings.LastActiveProfile
	c.mu.Unlock()

	var active *Profile
	for i := range all {
		if all[i].ID == last {
			active = &all[i]
			break
		}
	}
	if active == nil && len(all) > 0 {
		active = &all[0]
	}
	if active == nil {
		p := Profile{
			ID:        c.cfg.NewID(),
			Name:      DefaultProfileName,
			Interests: []string{"Lernen", "Unterhaltung"},
			CreatedAt: c.cfg.Now().UTC(),
		}
		if err := c.cfg.Profiles.Save(ctx, p); err != nil {
			return err
		}
		c.cfg.Logger.Info().Str("profile_id", p.ID).Msg("created default profile")
		active = &p
	}
	return c.activate(ctx, *active)
}

func (c *Controller) Profiles(ctx context.Context) ([]Profile, error) {
	return c.cfg.Profiles.List(ctx)
}

func (c *Controller) SwitchProfile(ctx context.Context, id string) error {
	c.mu.Lock()
	same := c.profile != nil && c.profile.ID == id
	c.mu.Unlock()
	if same {
		return nil
	}
	p, err := c.cfg.Profiles.Load(ctx, id)
	if err != nil {
		return err
	}
	return c.activate(ctx, p)
}

// activate replaces every piece of derived state with p's.
func (c *Controller) activate(ctx context.Context, p Profile) error {
	if err := c.cfg.Settings.SetLastActiveProfile(ctx, p.ID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile = &p
	c.settings.LastActiveProfile = p.ID
	c.personalities = personality.NewSet(p.CustomBots)
	c.projectID = ""
	if len(p.Sessions) == 0 {
		c.startSession()
	} else {
		c.restoreSession(p.Sessions[0])
	}
	c.cfg.Logger.Info().Str("profile_id", p.ID).Msg("profile activated")
	return nil
}

func (c *Controller) CreateProfile(ctx context.Context, name, age, description string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Profile{}, ErrInvalidProfile
	}
	p := Profile{
		ID:          c.cfg.NewID(),
		Name:        name,
		Age:         strings.TrimSpace(age),
		Description: strings.TrimSpace(description),
		CreatedAt:   c.cfg.Now().UTC(),
	}
	if err := c.cfg.Profiles.Save(ctx, p); err != nil {
		return Profile{}, err
	}
	if err := c.activate(ctx, p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (c *Controller) DeleteProfile(ctx context.Context, id string) error {
	all, err := c.cfg.Profiles.List(ctx)
	if err != nil {
		return err
	}
	if len(all) <= 1 {
		return ErrLastProfile
	}
	if err := c.cfg.Profiles.Delete(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	wasActive := c.profile != nil && c.profile.ID == id
	c.mu.Unlock()
	if !wasActive {
		return nil
	}
	for _, p := range all {
		if p.ID != id {
			return c.activate(ctx, p)
		}
	}
	return nil
}

// NewSession starts an empty chat and clears the active project.
func (c *Controller) NewSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ErrNoActiveProfile
	}
	c.projectID = ""
	c.startSession()
	return c.persist(ctx)
}

// ClearSession empties the current session's transcript and resets its
// name. Summarized stays set so a session is summarized at most once.
func (c *Controller) ClearSession(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ErrNoActiveProfile
	}
	s := c.profile.session(c.sessionID)
	if s == nil {
		return nil
	}
	s.History = nil
	s.Name = FreshName
	return c.persist(ctx)
}

func (c *Controller) startSession() {
	s := &Session{
		ID:        c.cfg.NewID(),
		Name:      FreshName,
		LastBot:   personality.DefaultID,
		LastModel: c.cfg.Catalog.DefaultModel,
		CreatedAt: c.cfg.Now().UTC(),
	}
	c.profile.prependSession(s)
	c.restoreSession(s)
}

// LoadSession makes id current and restores its personality, model and
// project. An unknown id starts a new session.
func (c *Controller) LoadSession(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.profile == nil {
		c.mu.Unlock()
		return ErrNoActiveProfile
	}
	s := c.profile.session(id)
	if s != nil {
		c.restoreSession(s)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.cfg.Logger.Warn().Str("session_id", id).Msg("session not found, starting a new one")
	return c.NewSession(ctx)
}

func (c *Controller) restoreSession(s *Session) {
	c.sessionID = s.ID
	c.bot = personality.DefaultID
	if _, err := c.personalities.Get(s.LastBot); err == nil {
		c.bot = s.LastBot
	}
	c.model = c.cfg.Catalog.DefaultModel
	if _, err := c.cfg.Catalog.Get(s.LastModel); err == nil {
		c.model = s.LastModel
	}
	c.projectID = ""
	if _, ok := c.profile.project(s.ActiveProjectID); ok {
		c.projectID = s.ActiveProjectID
	}
}

func (c *Controller) SelectPersonality(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.projectID != "" {
		return ErrProjectActive
	}
	p, err := c.personalities.Get(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfigurationMissing, err)
	}
	c.bot = id
	if bound := p.BoundModel(); bound != "" {
		if _, err := c.cfg.Catalog.Get(bound); err == nil {
			c.model = bound
		}
	}
	return nil
}

func (c *Controller) SelectModel(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.projectID != "" {
		return ErrProjectActive
	}
	if _, err := c.cfg.Catalog.Get(key); err != nil {
		return err
	}
	c.model = key
	return nil
}

// SelectProject toggles id: selecting the active project deactivates it.
// Activation pins the project's personality and the multimodal model.
func (c *Controller) SelectProject(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ErrNoActiveProfile
	}
	if c.projectID == id {
		c.projectID = ""
		return nil
	}
	p, ok := c.profile.project(id)
	if !ok {
		return fmt.Errorf("%w: project %q", ErrConfigurationMissing, id)
	}
	c.projectID = id
	c.bot = p.BotID
	c.model = c.cfg.Catalog.VisionModel
	return nil
}

func (c *Controller) AddInterest(ctx context.Context, interest string) error {
	interest = strings.TrimSpace(interest)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ErrNoActiveProfile
	}
	if interest == "" {
		return nil
	}
	for _, i := range c.profile.Interests {
		if i == interest {
			return nil
		}
	}
	c.profile.Interests = append(c.profile.Interests, interest)
	return c.persist(ctx)
}

func (c *Controller) RemoveInterest(ctx context.Context, interest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ErrNoActiveProfile
	}
	kept := c.profile.Interests[:0]
	for _, i := range c.profile.Interests {
		if i != interest {
			kept = append(kept, i)
		}
	}
	c.profile.Interests = kept
	return c.persist(ctx)
}

// SaveCustomBot inserts or replaces b, assigning an id when it has none.
func (c *Controller) SaveCustomBot(ctx context.Context, b personality.Custom) (personality.Custom, error) {
	if b.Key == "" {
		b.Key = "custom_" + c.cfg.NewID()
	}
	if err := b.Validate(); err != nil {
		return personality.Custom{}, err
	}
	if b.ModelID != "" {
		if _, err := c.cfg.Catalog.Get(b.ModelID); err != nil {
			return personality.Custom{}, fmt.Errorf("%w: %w", ErrConfigurationMissing, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return personality.Custom{}, ErrNoActiveProfile
	}
	replaced := false
	for i := range c.profile.CustomBots {
		if c.profile.CustomBots[i].Key == b.Key {
			c.profile.CustomBots[i] = b
			replaced = true
		}
	}
	if !replaced {
		c.profile.CustomBots = append(c.profile.CustomBots, b)
	}
	c.personalities = personality.NewSet(c.profile.CustomBots)
	return b, c.persist(ctx)
}

func (c *Controller) DeleteCustomBot(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ErrNoActiveProfile
	}
	kept := make([]personality.Custom, 0, len(c.profile.CustomBots))
	for _, b := range c.profile.CustomBots {
		if b.Key != id {
			kept = append(kept, b)
		}
	}
	if len(kept) == len(c.profile.CustomBots) {
		return fmt.Errorf("%w: custom bot %q", ErrConfigurationMissing, id)
	}
	c.profile.CustomBots = kept
	c.personalities = personality.NewSet(kept)
	if c.bot == id {
		c.bot = personality.DefaultID
	}
	return c.persist(ctx)
}

// SaveProject inserts or replaces p. Its personality must resolve.
func (c *Controller) SaveProject(ctx context.Context, p Project) (Project, error) {
	if p.ID == "" {
		p.ID = "project_" + c.cfg.NewID()
	}
	if err := p.Validate(); err != nil {
		return Project{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return Project{}, ErrNoActiveProfile
	}
	if _, err := c.personalities.Get(p.BotID); err != nil {
		return Project{}, fmt.Errorf("%w: %w", ErrConfigurationMissing, err)
	}
	replaced := false
	for i := range c.profile.Projects {
		if c.profile.Projects[i].ID == p.ID {
			c.profile.Projects[i] = p
			replaced = true
		}
	}
	if !replaced {
		c.profile.Projects = append(c.profile.Projects, p)
	}
	if c.projectID == p.ID {
		c.bot = p.BotID
	}
	return p, c.persist(ctx)
}

func (c *Controller) DeleteProject(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return ErrNoActiveProfile
	}
	kept := make([]Project, 0, len(c.profile.Projects))
	for _, p := range c.profile.Projects {
		if p.ID != id {
			kept = append(kept, p)
		}
	}
	c.profile.Projects = kept
	if c.projectID == id {
		c.projectID = ""
	}
	return c.persist(ctx)
}

// Reply is the outcome of one Send. Provider failures are not errors: they
// arrive as Failed replies whose text was appended to the transcript.
type Reply struct {
	Text     string
	Failed   bool
	Provider providers.Name
	Model    string
	Fallback *dispatch.FallbackNotice
	Searched bool
}

// Send appends the user message, dispatches it and appends the answer or a
// bot-authored error message. The returned error covers only local
// failures such as persistence.
func (c *Controller) Send(ctx context.Context, message string, file *providers.Attachment) (Reply, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	message = strings.TrimSpace(message)
	if message == "" && file == nil {
		return Reply{}, ErrEmptyMessage
	}
	apiMessage, display := message, message
	if file != nil {
		if apiMessage == "" {
			apiMessage = fileOnlyMessage
		}
		display = apiMessage + " (Anhang: " + file.Name + ")"
	}

	req, err := c.prepare(apiMessage, file)
	if err != nil {
		return Reply{}, err
	}
	if err := c.AppendHistory(ctx, display, RoleUser); err != nil {
		return Reply{}, err
	}

	res, derr := c.cfg.Dispatcher.Send(ctx, req)
	reply := Reply{
		Text:     res.Text,
		Provider: res.Provider,
		Model:    res.Model,
		Fallback: res.Fallback,
		Searched: res.Searched,
	}
	if errors.Is(derr, project.ErrPersonalityMissing) {
		derr = fmt.Errorf("%w: %w", ErrConfigurationMissing, derr)
	}
	if derr != nil {
		c.cfg.Logger.Error().Err(derr).Str("model", req.ModelKey).Msg("dispatch failed")
		reply.Failed = true
		reply.Text = errorReplyPrefix + derr.Error()
	}

	if res.Fallback != nil && res.Model != "" {
		c.mu.Lock()
		if c.projectID == "" {
			c.model = res.Model
		}
		c.mu.Unlock()
	}
	if err := c.AppendHistory(ctx, reply.Text, RoleBot); err != nil {
		return reply, err
	}
	return reply, nil
}

func (c *Controller) prepare(message string, file *providers.Attachment) (dispatch.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil {
		return dispatch.Request{}, ErrNoActiveProfile
	}
	s := c.profile.session(c.sessionID)
	if s == nil {
		c.startSession()
		s = c.profile.session(c.sessionID)
	}

	p, err := c.personalities.Get(c.bot)
	if err != nil {
		p = personality.Generic
	}
	temp, topP := c.settings.Temperature, c.settings.TopP
	req := dispatch.Request{
		Message:       message,
		History:       s.Turns(),
		ModelKey:      c.model,
		Personality:   p,
		Profile:       c.profile.renderContext(),
		Personalities: c.personalities,
		Voice:         c.voice,
		AutoSearch:    c.settings.AutoSearch,
		Temperature:   &temp,
		TopP:          &topP,
	}
	if file != nil {
		req.Attachments = []providers.Attachment{*file}
	}
	if c.projectID != "" {
		pr, ok := c.profile.project(c.projectID)
		if !ok {
			return dispatch.Request{}, fmt.Errorf("%w: project %q", ErrConfigurationMissing, c.projectID)
		}
		req.Project = &pr
	}
	return req, nil
}

// AppendHistory records one transcript entry on the current session, names
// fresh sessions after their first user message and triggers the one-time
// summary once the transcript reaches SummaryTrigger entries.
func (c *Controller) AppendHistory(ctx context.Context, message string, role Role) error {
	c.mu.Lock()
	if c.profile == nil {
		c.mu.Unlock()
		return ErrNoActiveProfile
	}
	s := c.profile.session(c.sessionID)
	if s == nil {
		c.startSession()
		s = c.profile.session(c.sessionID)
	}
	s.History = append(s.History, Entry{Message: message, Type: role, Timestamp: c.cfg.Now().UTC()})
	if role == RoleUser && s.Name == FreshName {
		s.Name = sessionName(message)
	}
	s.LastBot = c.bot
	s.LastModel = c.model
	s.ActiveProjectID = c.projectID

	var transcript []Entry
	if len(s.History) == SummaryTrigger && !s.Summarized {
		s.Summarized = true
		transcript = append([]Entry(nil), s.History...)
	}
	profileID := c.profile.ID
	err := c.persist(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if transcript != nil {
		c.summarize(ctx, profileID, transcript)
	}
	return nil
}

func (c *Controller) summarize(ctx context.Context, profileID string, transcript []Entry) {
	lines := make([]string, 0, len(transcript))
	for _, e := range transcript {
		who := "Bot"
		if e.Type == RoleUser {
			who = "User"
		}
		lines = append(lines, who+": "+e.Message)
	}
	prompt := "Fasse das Kernthema der folgenden Konversation in maximal 10 prägnanten Wörtern zusammen. " +
		"Konzentriere dich auf das Hauptziel oder das zentrale Thema des Nutzers. Beispiele: \"Reise nach Japan planen\", " +
		"\"Python-Skript für Datenanalyse debuggen\", \"Über psychologische Konzepte diskutieren\", \"Einen Fitnessplan erstellen\".\n\n" +
		"Konversation:\n\"\"\"\n" + strings.Join(lines, "\n") + "\n\"\"\"\n\nZusammenfassung (max 10 Wörter):"

	text, err := c.cfg.Dispatcher.Complete(ctx, c.cfg.Catalog.CheckModel, prompt)
	if err != nil {
		c.cfg.Metrics.Summaries.WithLabelValues("error").Inc()
		c.cfg.Logger.Warn().Err(err).Msg("conversation summary failed")
		return
	}
	summary := strings.TrimSpace(strings.ReplaceAll(text, `"`, ""))
	if summary == "" {
		c.cfg.Metrics.Summaries.WithLabelValues("error").Inc()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.profile == nil || c.profile.ID != profileID {
		return
	}
	c.profile.addSummary(summary)
	if err := c.persist(ctx); err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("persist summary failed")
		return
	}
	c.cfg.Metrics.Summaries.WithLabelValues("ok").Inc()
	c.cfg.Logger.Debug().Str("summary", summary).Msg("conversation summarized")
}

// persist writes the active profile. Callers hold c.mu.
func (c *Controller) persist(ctx context.Context) error {
	return c.cfg.Profiles.Save(ctx, *c.profile)
}

// cloneProfile deep-copies the active profile. Callers hold c.mu.
func (c *Controller) cloneProfile() Profile {
	p := *c.profile
	p.CustomBots = append([]personality.Custom(nil), p.CustomBots...)
	p.Interests = append([]string(nil), p.Interests...)
	p.Projects = append([]project.Project(nil), p.Projects...)
	p.Summaries = append([]string(nil), p.Summaries...)
	p.Sessions = make([]*Session, len(c.profile.Sessions))
	for i, s := range c.profile.Sessions {
		cp := *s
		cp.History = append([]Entry(nil), s.History...)
		p.Sessions[i] = &cp
	}
	return p
}
