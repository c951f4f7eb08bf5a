// Package project assembles closed-book requests scoped to one project's
// texts and files.
package project

import (
	"errors"
	"fmt"
	"strings"

	"bredai/internal/personality"
	"bredai/internal/providers"
)

const (
	// HistoryWindow is how many prior turns a project request carries.
	HistoryWindow = 6
	// MaxFiles caps the attachments stored on one project.
	MaxFiles = 10

	acknowledgement = "Verstanden. Ich nutze nur die bereitgestellten Informationen."
	ackPrefix       = "Verstanden."
)

var ErrPersonalityMissing = errors.New("project personality not found")

type File struct {
	Name     string `json:"name"`
	MimeType string `json:"type"`
	// Data is base64 encoded and passed through untouched.
	Data string `json:"data"`
}

type Project struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	BotID string   `json:"botId"`
	Texts []string `json:"texts"`
	Files []File   `json:"files"`
}

func (p Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("project needs an id and a name")
	}
	if strings.TrimSpace(p.BotID) == "" {
		return fmt.Errorf("project %q has no bound personality", p.Name)
	}
	if len(p.Files) > MaxFiles {
		return fmt.Errorf("project %q has %d files, at most %d allowed", p.Name, len(p.Files), MaxFiles)
	}
	return nil
}

type Input struct {
	Project       Project
	Personalities *personality.Set
	ProfileName   string
	History       []providers.Turn
	Query         string
}

// Build returns the closed-book request for in. Model and sampling are left
// for the caller.
func Build(in Input) (providers.ChatRequest, error) {
	p, err := in.Personalities.Get(in.Project.BotID)
	if err != nil {
		return providers.ChatRequest{}, fmt.Errorf("%w: %w", ErrPersonalityMissing, err)
	}

	history := in.History
	if len(history) > HistoryWindow {
		history = history[len(history)-HistoryWindow:]
	}
	turns := make([]providers.Turn, 0, len(history)+1)
	turns = append(turns, providers.Turn{Role: providers.RoleModel, Text: acknowledgement})
	turns = append(turns, history...)

	return providers.ChatRequest{
		SystemPrompt: personality.RenderName(p, in.ProfileName),
		Preamble:     knowledgeParts(in.Project),
		History:      turns,
		Message:      in.Query,
	}, nil
}

func knowledgeParts(p Project) []providers.Part {
	parts := []providers.Part{{Text: fmt.Sprintf(
		"Du bist ein Experte für das Projekt %q. Deine Antwort muss ausschließlich auf den Informationen aus der "+
			"\"Wissensdatenbank\" (Texte und Dateien) und dem \"Chatverlauf\" basieren. Nutze KEIN externes Wissen. "+
			"Analysiere auch Bilder. Wenn die Wissensdatenbank die Frage nicht beantworten kann, teile dies höflich mit. "+
			"Halte dich an deine zugewiesene Persönlichkeit.\n\nWissensdatenbank-Anfang:", p.Name)}}

	for _, text := range p.Texts {
		if text == "" {
			continue
		}
		parts = append(parts, providers.Part{Text: "\n--- Text ---\n" + text})
	}
	for _, f := range p.Files {
		parts = append(parts, providers.Part{Text: "\n--- Datei: " + f.Name + " ---\n"})
		parts = append(parts, providers.Part{Attachment: &providers.Attachment{Name: f.Name, MimeType: f.MimeType, Data: f.Data}})
	}
	return append(parts, providers.Part{Text: "\n--- Wissensdatenbank-Ende ---\n"})
}

// StripAcknowledgement removes a leading echo of the synthetic
// acknowledgement turn, up to and including the first newline.
func StripAcknowledgement(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, ackPrefix) {
		return text
	}
	_, rest, found := strings.Cut(text, "\n")
	if !found {
		return text
	}
	return strings.TrimSpace(rest)
}
