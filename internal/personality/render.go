package personality

import (
	"strings"
	"unicode/utf8"
)

const customPromptExcerpt = 150

const voiceInstruction = "\n\nSEHR WICHTIGE ANWEISUNG FÜR DEN SPRACHMODUS: Deine Antwort wird von einer Text-to-Speech-Engine vorgelesen. " +
	"Formuliere deine Antwort daher extrem kurz und gesprächig, idealerweise nur ein bis zwei Sätze. " +
	"VERWENDE ABSOLUT KEINE EMOJIS, Sternchen (*) oder andere Markdown-Formatierungen. " +
	"Antworte nur mit reinem, fließendem Text, als wärst du in einem echten Gespräch."

// Context is the profile data substituted into prompt templates.
type Context struct {
	Name        string
	Age         string
	Description string
	Interests   []string
	CustomBots  []Custom
	Projects    []string
	Summaries   []string
}

// Render fills every placeholder of p's template. Voice appends the spoken
// answer instruction.
func Render(p Personality, c Context, voice bool) string {
	if p == nil {
		p = Generic
	}
	r := strings.NewReplacer(
		"{name}", or(c.Name, "dem Benutzer"),
		"{profile_name}", or(c.Name, "unbekannt"),
		"{profile_age}", or(c.Age, "unbekannt"),
		"{profile_description}", or(c.Description, "keine"),
		"{profile_interests}", interestsText(c.Interests),
		"{custom_bot_list}", customBotsText(c.CustomBots),
		"{project_list}", projectsText(c.Projects),
		"{long_term_memory}", memoryText(c.Summaries),
	)
	out := r.Replace(p.Template())
	if voice {
		out += voiceInstruction
	}
	return out
}

// RenderName substitutes only {name}; project prompts use it.
func RenderName(p Personality, name string) string {
	return strings.ReplaceAll(p.Template(), "{name}", or(name, "dem Benutzer"))
}

func or(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func interestsText(interests []string) string {
	if len(interests) == 0 {
		return "keine angegeben"
	}
	return strings.Join(interests, ", ")
}

func customBotsText(bots []Custom) string {
	if len(bots) == 0 {
		return "Der Nutzer hat noch keine eigenen Bots erstellt."
	}
	var b strings.Builder
	b.WriteString("Hier ist eine Liste der vom Nutzer erstellten Bots:")
	for _, bot := range bots {
		b.WriteString("\n- **")
		b.WriteString(bot.DisplayName())
		b.WriteString(":** Definiert als \"")
		b.WriteString(excerpt(bot.Prompt, customPromptExcerpt))
		b.WriteString("...\"")
	}
	return b.String()
}

func projectsText(names []string) string {
	if len(names) == 0 {
		return "Der Nutzer hat noch keine Projekte erstellt."
	}
	return "Hier ist eine Liste der vom Nutzer erstellten Projekte:\n- **" + strings.Join(names, "**\n- **") + "**"
}

func memoryText(summaries []string) string {
	if len(summaries) == 0 {
		return "Der Nutzer hatte bisher noch keine anderen relevanten Konversationen."
	}
	return "Hier sind kurze Zusammenfassungen der letzten Konversationen des Nutzers. " +
		"Nutze sie implizit für personalisiertere Antworten:\n- " + strings.Join(summaries, "\n- ")
}

func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
