package personality

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetCustomOverridesBuiltIn(t *testing.T) {
	temp := 1.2
	s := NewSet([]Custom{
		{Key: "devbred", Name: "Mein Dev", Prompt: "Du bist mein Dev, {name}."},
		{Key: "koch", Name: "Koch", Prompt: "Du kochst.", ModelID: "groq-llama-3.3-70b", Temperature: &temp},
	})

	p, err := s.Get("devbred")
	require.NoError(t, err)
	require.Equal(t, "Mein Dev", p.DisplayName())

	p, err = s.Get("koch")
	require.NoError(t, err)
	require.Equal(t, "groq-llama-3.3-70b", p.BoundModel())
	gotTemp, gotTopP := p.Sampling()
	require.Equal(t, 1.2, *gotTemp)
	require.Nil(t, gotTopP)

	_, err = s.Get("nope")
	require.True(t, errors.Is(err, ErrNotFound))

	list := s.List()
	require.Equal(t, "bred", list[0].ID())
	require.Equal(t, "koch", list[len(list)-1].ID())

	builtInOrder := NewSet(nil).List()
	for i, b := range builtInOrder {
		require.Equal(t, b.ID(), list[i].ID())
	}
	require.Len(t, list, len(builtInOrder)+1)
}

func TestRenderPlaceholders(t *testing.T) {
	bred, err := NewSet(nil).Get("bred")
	require.NoError(t, err)

	long := strings.Repeat("a", 200)
	out := Render(bred, Context{
		Name:       "Lena",
		Age:        "29",
		Interests:  []string{"Klettern", "Go"},
		CustomBots: []Custom{{Key: "x", Name: "Poet", Prompt: long}},
		Projects:   []string{"Umzug"},
		Summaries:  []string{"Reise nach Japan planen"},
	}, false)

	require.NotContains(t, out, "{")
	require.Contains(t, out, "Lena")
	require.Contains(t, out, "Alter 29")
	require.Contains(t, out, "Beschreibung: keine")
	require.Contains(t, out, "Klettern, Go")
	require.Contains(t, out, "- **Poet:** Definiert als \""+strings.Repeat("a", 150)+"...\"")
	require.NotContains(t, out, strings.Repeat("a", 151))
	require.Contains(t, out, "- **Umzug**")
	require.Contains(t, out, "- Reise nach Japan planen")
	require.NotContains(t, out, "SPRACHMODUS")
}

func TestRenderDefaultsAndVoice(t *testing.T) {
	out := Render(Custom{Key: "c", Name: "C", Prompt: "Hallo {name}. {custom_bot_list} {long_term_memory}"}, Context{}, true)
	require.True(t, strings.HasPrefix(out, "Hallo dem Benutzer."))
	require.Contains(t, out, "noch keine eigenen Bots")
	require.Contains(t, out, "noch keine anderen relevanten Konversationen")
	require.Contains(t, out, "SPRACHMODUS")
}

func TestRenderNilUsesGeneric(t *testing.T) {
	require.Equal(t, "Sei ein hilfsbereiter Assistent.", Render(nil, Context{}, false))
}

func TestCustomValidate(t *testing.T) {
	bad := 3.0
	require.Error(t, Custom{Key: "a", Name: "A", Prompt: "p", Temperature: &bad}.Validate())
	require.Error(t, Custom{Key: "a", Prompt: "p"}.Validate())
	require.NoError(t, Custom{Key: "a", Name: "A", Prompt: "p"}.Validate())
}
