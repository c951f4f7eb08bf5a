// Package personality holds the bot presets a conversation runs under and
// renders their prompt templates against the active profile.
package personality

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("personality not found")

// Personality is either a BuiltIn or a user-defined Custom preset.
type Personality interface {
	ID() string
	DisplayName() string
	Template() string
	// Sampling returns per-personality overrides; nil means use the global setting.
	Sampling() (temperature, topP *float64)
	// BoundModel is the catalog key this personality switches to, or "".
	BoundModel() string
}

type BuiltIn struct {
	Key         string
	Name        string
	Emoji       string
	Prompt      string
	Description string
}

func (b BuiltIn) ID() string                     { return b.Key }
func (b BuiltIn) DisplayName() string            { return strings.TrimSpace(b.Name + " " + b.Emoji) }
func (b BuiltIn) Template() string               { return b.Prompt }
func (b BuiltIn) Sampling() (*float64, *float64) { return nil, nil }
func (b BuiltIn) BoundModel() string             { return "" }

// Custom is a preset created by the user and stored with their profile.
type Custom struct {
	Key         string   `json:"id"`
	Name        string   `json:"name"`
	DisplayText string   `json:"displayText,omitempty"`
	Prompt      string   `json:"prompt"`
	ModelID     string   `json:"modelId,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
}

func (c Custom) ID() string { return c.Key }

func (c Custom) DisplayName() string {
	if c.DisplayText != "" {
		return c.DisplayText
	}
	return c.Name
}

func (c Custom) Template() string               { return c.Prompt }
func (c Custom) Sampling() (*float64, *float64) { return c.Temperature, c.TopP }
func (c Custom) BoundModel() string             { return c.ModelID }

func (c Custom) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("custom personality id is empty")
	}
	if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Prompt) == "" {
		return fmt.Errorf("custom personality %q needs a name and a prompt", c.Key)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0,2]", *c.Temperature)
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return fmt.Errorf("topP %v out of range (0,1]", *c.TopP)
	}
	return nil
}

// Generic is used when the selected personality no longer exists.
var Generic = BuiltIn{Key: "", Name: "Assistent", Prompt: "Sei ein hilfsbereiter Assistent."}

// Set is the merged lookup over built-in and custom personalities. A custom
// entry with a built-in's id replaces it.
type Set struct {
	byID  map[string]Personality
	order []string
}

func NewSet(custom []Custom) *Set {
	s := &Set{byID: make(map[string]Personality, len(builtIns)+len(custom))}
	for _, b := range builtIns {
		s.put(b)
	}
	for _, c := range custom {
		s.put(c)
	}
	return s
}

func (s *Set) put(p Personality) {
	if _, exists := s.byID[p.ID()]; !exists {
		s.order = append(s.order, p.ID())
	}
	s.byID[p.ID()] = p
}

func (s *Set) Get(id string) (Personality, error) {
	p, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return p, nil
}

// List returns built-in ids first in their fixed order, then custom entries
// by name. A custom entry replacing a built-in keeps the built-in's slot.
func (s *Set) List() []Personality {
	out := make([]Personality, 0, len(s.order))
	var custom []Personality
	for _, id := range s.order {
		p := s.byID[id]
		if !isBuiltIn(id) {
			custom = append(custom, p)
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(custom, func(i, j int) bool { return custom[i].DisplayName() < custom[j].DisplayName() })
	return append(out, custom...)
}

func isBuiltIn(id string) bool {
	for _, b := range builtIns {
		if b.Key == id {
			return true
		}
	}
	return false
}

// Description returns the info line shown when a built-in is selected.
func Description(id string) string {
	for _, b := range builtIns {
		if b.Key == id {
			return b.Description
		}
	}
	return ""
}
