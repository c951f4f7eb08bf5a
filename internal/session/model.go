// Package session owns the profile aggregate and the mutable chat state
// around it: active profile, personality, model, project and session.
package session

import (
	"time"
	"unicode/utf8"

	"bredai/internal/personality"
	"bredai/internal/project"
	"bredai/internal/providers"
)

const (
	FreshName          = "Neuer Chat"
	DefaultProfileName = "Temporäres Profil"

	MaxSessions    = 50
	MaxSummaries   = 30
	SummaryTrigger = 10

	nameLimit = 30
	nameKeep  = 27
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

type Entry struct {
	Message   string    `json:"message"`
	Type      Role      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	History         []Entry   `json:"history"`
	LastBot         string    `json:"lastBot"`
	LastModel       string    `json:"lastModel"`
	ActiveProjectID string    `json:"activeProjectId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	Summarized      bool      `json:"isSummarized,omitempty"`
}

// Fresh reports a session nobody has written to yet.
func (s *Session) Fresh() bool {
	return s.Name == FreshName && len(s.History) == 0
}

// Turns converts the transcript to provider turns in chronological order.
func (s *Session) Turns() []providers.Turn {
	out := make([]providers.Turn, 0, len(s.History))
	for _, e := range s.History {
		role := providers.RoleUser
		if e.Type == RoleBot {
			role = providers.RoleModel
		}
		out = append(out, providers.Turn{Role: role, Text: e.Message})
	}
	return out
}

type Project = project.Project

type Profile struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Age         string               `json:"age"`
	Description string               `json:"description"`
	CustomBots  []personality.Custom `json:"customBots"`
	Interests   []string             `json:"interests"`
	Projects    []Project            `json:"projects"`
	Sessions    []*Session           `json:"chatSessions"`
	Summaries   []string             `json:"contextSummaries"`
	CreatedAt   time.Time            `json:"createdAt"`
}

func (p *Profile) session(id string) *Session {
	for _, s := range p.Sessions {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (p *Profile) project(id string) (Project, bool) {
	for _, pr := range p.Projects {
		if pr.ID == id {
			return pr, true
		}
	}
	return Project{}, false
}

// prependSession puts s first and evicts the oldest beyond MaxSessions.
func (p *Profile) prependSession(s *Session) {
	p.Sessions = append([]*Session{s}, p.Sessions...)
	if len(p.Sessions) > MaxSessions {
		p.Sessions = p.Sessions[:MaxSessions]
	}
}

func (p *Profile) addSummary(summary string) {
	p.Summaries = append(p.Summaries, summary)
	if len(p.Summaries) > MaxSummaries {
		p.Summaries = p.Summaries[len(p.Summaries)-MaxSummaries:]
	}
}

func (p *Profile) renderContext() personality.Context {
	names := make([]string, 0, len(p.Projects))
	for _, pr := range p.Projects {
		names = append(names, pr.Name)
	}
	return personality.Context{
		Name:        p.Name,
		Age:         p.Age,
		Description: p.Description,
		Interests:   p.Interests,
		CustomBots:  p.CustomBots,
		Projects:    names,
		Summaries:   p.Summaries,
	}
}

// sessionName derives a display name from the first user message.
func sessionName(message string) string {
	if utf8.RuneCountInString(message) <= nameLimit {
		return message
	}
	return string([]rune(message)[:nameKeep]) + "..."
}
