package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testDoc = `
--- HILFE ---

### Bot-Persönlichkeiten
- Wechseln: Sidebar öffnen, Tab mit den Persönlichkeiten wählen und einen anderen Charakter anklicken.

### Projekte
- Ein Projekt bündelt Dateien und Texte und bindet einen Bot als festen Ansprechpartner.

### Kurz
- zu kurz
`

func TestBuildSplitsAndTitles(t *testing.T) {
	chunks := Build(testDoc)
	require.Len(t, chunks, 2)
	require.Equal(t, "Bot-Persönlichkeiten", chunks[0].Title)
	require.Equal(t, "Projekte", chunks[1].Title)
	require.True(t, strings.HasPrefix(chunks[0].ID, "chunk_"))
	require.NotEqual(t, chunks[0].ID, chunks[1].ID)
}

func TestBuildLengthFloorIsExclusive(t *testing.T) {
	exactly50 := "Titel\n" + strings.Repeat("x", 44)
	require.Equal(t, 50, len([]rune(exactly50)))
	fiftyOne := "Titel\n" + strings.Repeat("y", 45)

	chunks := Build("\n### " + exactly50 + "\n### " + fiftyOne)
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0].Content, "yyy")
}

func TestBuildStripsHeadingMarkup(t *testing.T) {
	chunks := Build("\n---\n## Sprachmodus ##\n" + strings.Repeat("Mikrofon antippen. ", 4))
	require.Len(t, chunks, 1)
	require.Equal(t, "Sprachmodus", chunks[0].Title)
}

func TestSearchRanksTitleMatches(t *testing.T) {
	idx := New(Build(testDoc))
	got := idx.Search("Wie wechsle ich den Bot?")
	require.NotEmpty(t, got)
	require.Equal(t, "Bot-Persönlichkeiten", got[0].Title)
}

func TestSearchDropsShortWordsAndZeroScores(t *testing.T) {
	idx := New(Build(testDoc))
	require.Empty(t, idx.Search("wie ist das"))
	require.Empty(t, idx.Search("Quantenphysik Kochrezept"))
}

func TestSearchReturnsAtMostTwo(t *testing.T) {
	idx := Default()
	require.Greater(t, idx.Len(), 3)
	got := idx.Search("Sidebar Projekte Bot-Persönlichkeiten Sprachmodus Profile")
	require.Len(t, got, 2)
}

func TestSearchFoldsGermanCase(t *testing.T) {
	idx := New(Build(testDoc))
	got := idx.Search("PERSÖNLICHKEITEN")
	require.Len(t, got, 1)
	require.Equal(t, "Bot-Persönlichkeiten", got[0].Title)
}

func TestIsAppQuery(t *testing.T) {
	require.True(t, IsAppQuery("Wo finde ich die Einstellungen?"))
	require.True(t, IsAppQuery("Kann ich den BOT ändern"))
	require.False(t, IsAppQuery("Wie hoch ist der Eiffelturm?"))
}

func TestAugment(t *testing.T) {
	idx := New(Build(testDoc))

	out, ok := idx.Augment("Wie wechsle ich den Bot?")
	require.True(t, ok)
	require.Contains(t, out, "--- KONTEXT AUS WISSENSBASIS ---")
	require.Contains(t, out, "zitiere den Kontext nicht direkt")
	require.True(t, strings.HasSuffix(out, "Frage des Nutzers: Wie wechsle ich den Bot?"))

	out, ok = idx.Augment("Erzähl mir einen Witz")
	require.False(t, ok)
	require.Equal(t, "Erzähl mir einen Witz", out)
}
