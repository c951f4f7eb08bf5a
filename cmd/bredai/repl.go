package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/rs/zerolog/log"

	"bredai/internal/catalog"
	"bredai/internal/credentials"
	"bredai/internal/personality"
	"bredai/internal/project"
	"bredai/internal/providers"
	"bredai/internal/session"
	"bredai/internal/settings"
	"bredai/internal/voice"
)

const maxAttachmentBytes = 20 << 20

var commands = []string{
	"/help", "/status", "/history", "/quit",
	"/profiles", "/profile", "/profile-new", "/profile-delete",
	"/chats", "/chat", "/new", "/clear",
	"/bots", "/bot", "/bot-new", "/bot-delete",
	"/models", "/model",
	"/projects", "/project", "/project-new", "/project-file", "/project-delete",
	"/interest-add", "/interest-remove",
	"/keys", "/key",
	"/search", "/sampling", "/voice", "/voice-settings",
	"/file",
}

const helpText = `Befehle:
  /status                      aktiver Zustand
  /history                     Verlauf des aktuellen Chats
  /profiles | /profile <id>    Profile auflisten oder wechseln
  /profile-new name|alter|beschreibung
  /profile-delete <id>
  /chats | /chat <id> | /new   Chats auflisten, laden oder neu beginnen
  /clear                       aktuellen Chat leeren
  /bots | /bot <id>            Persönlichkeiten auflisten oder wählen
  /bot-new name|prompt[|modell]
  /bot-delete <id>
  /models | /model <key>       Modelle auflisten oder wählen
  /projects | /project <id>    Projekte auflisten oder (de)aktivieren
  /project-new name|bot|text
  /project-file <id> <pfad>    Datei zu einem Projekt hinzufügen
  /project-delete <id>
  /interest-add <x> | /interest-remove <x>
  /keys | /key <anbieter> [schlüssel]
  /search an|aus               automatische Websuche
  /sampling <temperatur> <topP>
  /voice an|aus | /voice-settings <rate> <pitch> [stimme]
  /file <pfad> [nachricht]     Datei mitschicken
  /quit`

type repl struct {
	ctx         context.Context
	controller  *session.Controller
	settings    *settings.Repository
	catalog     *catalog.Catalog
	credentials *credentials.Registry
	voice       *voice.Machine
	historyPath string
	out         io.Writer

	line *liner.State
}

func (r *repl) run() error {
	r.line = liner.NewLiner()
	r.line.SetCtrlCAborts(true)
	r.line.SetCompleter(func(in string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, in) {
				out = append(out, c)
			}
		}
		return out
	})
	if f, err := os.Open(r.historyPath); err == nil {
		_, _ = r.line.ReadHistory(f)
		_ = f.Close()
	}

	r.printf("Bred bereit. /help zeigt alle Befehle.\n")
	for {
		input, err := r.line.Prompt(r.prompt())
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if r.voice.Active() && !strings.HasPrefix(input, "/") {
			if r.voice.State() != voice.Listening {
				r.printf("(Bred spricht gerade, bitte warten)\n")
				continue
			}
			r.voice.OnResult(input)
			continue
		}

		quit, err := r.handle(input)
		if err != nil {
			r.printf("Fehler: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) close() {
	if r.line == nil {
		return
	}
	if f, err := os.Create(r.historyPath); err == nil {
		_, _ = r.line.WriteHistory(f)
		_ = f.Close()
	}
	_ = r.line.Close()
}

func (r *repl) prompt() string {
	st := r.controller.State()
	p := st.Personality
	if st.ProjectID != "" {
		p += "@" + st.ProjectID
	}
	return fmt.Sprintf("[%s · %s · %s] > ", st.ProfileName, p, st.Model)
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func (r *repl) handle(input string) (bool, error) {
	if !strings.HasPrefix(input, "/") {
		return false, r.send(input, nil)
	}
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	ctx := r.ctx

	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", helpText)
	case "/status":
		r.status()
	case "/history":
		for _, e := range r.controller.History() {
			r.printf("%s %-4s %s\n", e.Timestamp.Local().Format("15:04"), e.Type, e.Message)
		}

	case "/profiles":
		all, err := r.controller.Profiles(ctx)
		if err != nil {
			return false, err
		}
		active := r.controller.State().ProfileID
		for _, p := range all {
			r.printf("%s %s  %s\n", marker(p.ID == active), p.ID, p.Name)
		}
	case "/profile":
		return false, r.controller.SwitchProfile(ctx, arg)
	case "/profile-new":
		f := fields(arg, 3)
		p, err := r.controller.CreateProfile(ctx, f[0], f[1], f[2])
		if err != nil {
			return false, err
		}
		r.printf("Profil %q angelegt (%s)\n", p.Name, p.ID)
	case "/profile-delete":
		return false, r.controller.DeleteProfile(ctx, arg)

	case "/chats":
		p, err := r.controller.Profile()
		if err != nil {
			return false, err
		}
		current := r.controller.State().SessionID
		for _, s := range p.Sessions {
			r.printf("%s %s  %s (%d)\n", marker(s.ID == current), s.ID, s.Name, len(s.History))
		}
	case "/chat":
		return false, r.controller.LoadSession(ctx, arg)
	case "/new":
		return false, r.controller.NewSession(ctx)
	case "/clear":
		return false, r.controller.ClearSession(ctx)

	case "/bots":
		current := r.controller.State().Personality
		for _, p := range r.controller.Personalities() {
			r.printf("%s %-20s %s\n", marker(p.ID() == current), p.ID(), p.DisplayName())
		}
	case "/bot":
		return false, r.controller.SelectPersonality(arg)
	case "/bot-new":
		f := fields(arg, 3)
		b, err := r.controller.SaveCustomBot(ctx, personality.Custom{Name: f[0], Prompt: f[1], ModelID: f[2]})
		if err != nil {
			return false, err
		}
		r.printf("Bot %q gespeichert (%s)\n", b.Name, b.Key)
	case "/bot-delete":
		return false, r.controller.DeleteCustomBot(ctx, arg)

	case "/models":
		current := r.controller.State().Model
		for _, key := range r.catalog.Keys() {
			m, _ := r.catalog.Get(key)
			ok := r.credentials.Configured(ctx, m.Provider)
			r.printf("%s %-28s %-9s %s%s\n", marker(key == current), key, m.Provider, m.Name, unconfigured(ok))
		}
	case "/model":
		return false, r.controller.SelectModel(arg)

	case "/projects":
		p, err := r.controller.Profile()
		if err != nil {
			return false, err
		}
		active := r.controller.State().ProjectID
		for _, pr := range p.Projects {
			r.printf("%s %s  %s (bot %s, %d Texte, %d Dateien)\n", marker(pr.ID == active), pr.ID, pr.Name, pr.BotID, len(pr.Texts), len(pr.Files))
		}
	case "/project":
		return false, r.controller.SelectProject(arg)
	case "/project-new":
		f := fields(arg, 3)
		pr := session.Project{Name: f[0], BotID: f[1]}
		if pr.BotID == "" {
			pr.BotID = personality.DefaultID
		}
		if f[2] != "" {
			pr.Texts = []string{f[2]}
		}
		saved, err := r.controller.SaveProject(ctx, pr)
		if err != nil {
			return false, err
		}
		r.printf("Projekt %q gespeichert (%s)\n", saved.Name, saved.ID)
	case "/project-file":
		id, path, _ := strings.Cut(arg, " ")
		return false, r.addProjectFile(id, strings.TrimSpace(path))
	case "/project-delete":
		return false, r.controller.DeleteProject(ctx, arg)

	case "/interest-add":
		return false, r.controller.AddInterest(ctx, arg)
	case "/interest-remove":
		return false, r.controller.RemoveInterest(ctx, arg)

	case "/keys":
		configured, err := r.settings.ConfiguredProviders(ctx)
		if err != nil {
			return false, err
		}
		for _, p := range providers.All {
			r.printf("%-9s %s\n", p, yesNo(r.credentials.Configured(ctx, p)))
		}
		r.printf("%d Schlüssel gespeichert, Modus %s\n", len(configured), r.credentials.Mode())
	case "/key":
		name, secret, _ := strings.Cut(arg, " ")
		p, err := providers.ParseName(name)
		if err != nil {
			return false, err
		}
		if err := r.settings.SetAPIKey(ctx, p, secret); err != nil {
			return false, err
		}
		r.printf("Schlüssel für %s aktualisiert\n", p)

	case "/search":
		on, err := parseToggle(arg)
		if err != nil {
			return false, err
		}
		if err := r.settings.SetAutoSearch(ctx, on); err != nil {
			return false, err
		}
		return false, r.controller.ReloadSettings(ctx)
	case "/sampling":
		f := strings.Fields(arg)
		if len(f) != 2 {
			return false, errors.New("erwartet: /sampling <temperatur> <topP>")
		}
		t, err1 := strconv.ParseFloat(f[0], 64)
		p, err2 := strconv.ParseFloat(f[1], 64)
		if err := errors.Join(err1, err2); err != nil {
			return false, err
		}
		if err := r.settings.SetGeneration(ctx, t, p); err != nil {
			return false, err
		}
		return false, r.controller.ReloadSettings(ctx)
	case "/voice":
		on, err := parseToggle(arg)
		if err != nil {
			return false, err
		}
		r.controller.SetVoice(on)
		if on {
			r.voice.Start()
		} else {
			r.voice.Stop()
		}
	case "/voice-settings":
		f := strings.Fields(arg)
		if len(f) < 2 {
			return false, errors.New("erwartet: /voice-settings <rate> <pitch> [stimme]")
		}
		rate, err1 := strconv.ParseFloat(f[0], 64)
		pitch, err2 := strconv.ParseFloat(f[1], 64)
		if err := errors.Join(err1, err2); err != nil {
			return false, err
		}
		if err := r.settings.SetVoice(ctx, rate, pitch, strings.Join(f[2:], " ")); err != nil {
			return false, err
		}
		return false, r.controller.ReloadSettings(ctx)

	case "/file":
		path, message, _ := strings.Cut(arg, " ")
		a, err := readAttachment(path)
		if err != nil {
			return false, err
		}
		return false, r.send(message, &a)

	default:
		return false, fmt.Errorf("unbekannter Befehl %s, /help zeigt alle Befehle", cmd)
	}
	return false, nil
}

func (r *repl) send(message string, file *providers.Attachment) error {
	reply, err := r.controller.Send(r.ctx, message, file)
	if reply.Fallback != nil {
		r.printf("⚠ %s\n", reply.Fallback)
	}
	if reply.Text != "" {
		suffix := ""
		if reply.Searched {
			suffix = " 🔎"
		}
		r.printf("\n%s%s\n\n", reply.Text, suffix)
	}
	return err
}

// onTranscript feeds a recognized utterance through Send and speaks the
// answer.
func (r *repl) onTranscript(text string) {
	r.printf("🎤 %s\n", text)
	reply, err := r.controller.Send(r.ctx, text, nil)
	if err != nil {
		log.Error().Err(err).Msg("voice turn failed")
	}
	if reply.Fallback != nil {
		r.printf("⚠ %s\n", reply.Fallback)
	}
	if reply.Text == "" {
		r.voice.Start()
		return
	}
	st := r.controller.State().Settings
	r.voice.Speak(reply.Text, voice.SpeakOptions{Rate: st.VoiceRate, Pitch: st.VoicePitch, Voice: st.VoiceName})
}

func (r *repl) status() {
	st := r.controller.State()
	r.printf("Profil:   %s (%s)\n", st.ProfileName, st.ProfileID)
	r.printf("Chat:     %s (%s)\n", st.SessionName, st.SessionID)
	r.printf("Bot:      %s\n", st.Personality)
	r.printf("Modell:   %s\n", st.Model)
	if st.ProjectID != "" {
		r.printf("Projekt:  %s\n", st.ProjectID)
	}
	r.printf("Websuche: %s\n", yesNo(st.Settings.AutoSearch))
	r.printf("Sampling: temperature=%.2f topP=%.2f\n", st.Settings.Temperature, st.Settings.TopP)
	r.printf("Stimme:   %s (%s)\n", yesNo(st.Voice), r.voice.State())
}

func (r *repl) addProjectFile(id, path string) error {
	p, err := r.controller.Profile()
	if err != nil {
		return err
	}
	var target *session.Project
	for i := range p.Projects {
		if p.Projects[i].ID == id {
			target = &p.Projects[i]
		}
	}
	if target == nil {
		return fmt.Errorf("%w: project %q", session.ErrConfigurationMissing, id)
	}
	a, err := readAttachment(path)
	if err != nil {
		return err
	}
	target.Files = append(target.Files, project.File{Name: a.Name, MimeType: a.MimeType, Data: a.Data})
	_, err = r.controller.SaveProject(r.ctx, *target)
	return err
}

func readAttachment(path string) (providers.Attachment, error) {
	if strings.TrimSpace(path) == "" {
		return providers.Attachment{}, errors.New("dateipfad fehlt")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return providers.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) > maxAttachmentBytes {
		return providers.Attachment{}, fmt.Errorf("attachment %s exceeds %d bytes", path, maxAttachmentBytes)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	mimeType, _, _ = strings.Cut(mimeType, ";")
	return providers.Attachment{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// fields splits a|b|c into exactly n trimmed parts.
func fields(arg string, n int) []string {
	parts := strings.SplitN(arg, "|", n)
	out := make([]string, n)
	for i := range parts {
		out[i] = strings.TrimSpace(parts[i])
	}
	return out
}

func parseToggle(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "an", "on", "1", "ja":
		return true, nil
	case "aus", "off", "0", "nein":
		return false, nil
	default:
		return false, fmt.Errorf("erwartet an oder aus, nicht %q", arg)
	}
}

func marker(active bool) string {
	if active {
		return "*"
	}
	return " "
}

func yesNo(b bool) string {
	if b {
		return "an"
	}
	return "aus"
}

func unconfigured(ok bool) string {
	if ok {
		return ""
	}
	return "  (kein Schlüssel)"
}
