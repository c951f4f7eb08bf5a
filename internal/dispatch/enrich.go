package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"bredai/internal/catalog"
	"bredai/internal/providers"
	"bredai/internal/search"
)

const searchContextTurns = 4

type Searcher interface {
	Configured() bool
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// enrich prepends app-help context and splices web search results into the
// outgoing message. Sub-call failures leave the message unchanged.
func (d *Dispatcher) enrich(ctx context.Context, model catalog.Model, req Request) (string, bool) {
	message := req.Message
	if augmented, ok := d.cfg.Knowledge.Augment(message); ok {
		d.cfg.Metrics.KnowledgeHits.Inc()
		message = augmented
	}

	if !req.AutoSearch || !model.Has(catalog.Search) || d.cfg.Search == nil || !d.cfg.Search.Configured() {
		return message, false
	}
	if !d.needsSearch(ctx, req.Message) {
		d.cfg.Metrics.SearchRequests.WithLabelValues("skipped").Inc()
		return message, false
	}
	query, ok := d.searchQuery(ctx, req.Message, req.History)
	if !ok {
		d.cfg.Metrics.SearchRequests.WithLabelValues("skipped").Inc()
		return message, false
	}

	results, err := d.cfg.Search.Search(ctx, query)
	switch {
	case err != nil:
		label := "error"
		if errors.Is(err, search.ErrQuotaExhausted) {
			label = "quota"
		}
		d.cfg.Metrics.SearchRequests.WithLabelValues(label).Inc()
		d.cfg.Logger.Warn().Err(err).Str("query", query).Msg("web search failed")
		return message + "\n\n(Anweisung: Erwähne einen Fehler bei der Websuche.)", true

	case len(results) == 0:
		d.cfg.Metrics.SearchRequests.WithLabelValues("empty").Inc()
		return message + fmt.Sprintf("\n\n(Anweisung: Websuche nach '%s' war erfolglos. Antworte basierend auf eigenem Wissen.)", query), true
	}

	d.cfg.Metrics.SearchRequests.WithLabelValues("results").Inc()
	return "Beantworte die Frage präzise mit folgenden Ergebnissen. Zitiere Quellen als Links [Quelle: LINK].\n" +
		"[Suchergebnisse]:\n" + search.Snippets(results) + "\n\n[Originalfrage]:\n" + message, true
}

func (d *Dispatcher) needsSearch(ctx context.Context, message string) bool {
	prompt := fmt.Sprintf("Prüfe die folgende Benutzeranfrage kritisch. Ist eine Echtzeit-Websuche UNBEDINGT erforderlich, "+
		"um sie korrekt zu beantworten (z.B. aktuelle Nachrichten, Wetter, Preise, Ereignisse nach deinem Wissensstand)? "+
		"Antworte NUR mit \"JA\" oder \"NEIN\". Allgemeinwissen, Programmierung, Kreatives oder Smalltalk erfordern KEINE Suche.\n\n"+
		"Anfrage: \"%s\"", message)
	answer, err := d.Complete(ctx, d.cfg.Catalog.CheckModel, prompt)
	if err != nil {
		d.cfg.Logger.Debug().Err(err).Msg("search check failed, skipping search")
		return false
	}
	return strings.Contains(strings.ToUpper(answer), "JA")
}

func (d *Dispatcher) searchQuery(ctx context.Context, message string, history []providers.Turn) (string, bool) {
	recent := history
	if len(recent) > searchContextTurns {
		recent = recent[len(recent)-searchContextTurns:]
	}
	lines := make([]string, 0, len(recent))
	for _, t := range recent {
		lines = append(lines, t.Text)
	}
	contextLine := ""
	if len(lines) > 0 {
		contextLine = "Kontext: " + strings.Join(lines, "; ")
	}

	prompt := "Formuliere eine präzise, stichwortbasierte Google-Suchanfrage (3-6 Wörter) aus der folgenden Nutzernachricht und dem Kontext.\n" +
		contextLine + "\nLetzte Nachricht: \"" + message + "\"\nSuchanfrage:"
	query, err := d.Complete(ctx, d.cfg.Catalog.CheckModel, prompt)
	if err != nil {
		d.cfg.Logger.Debug().Err(err).Msg("search query generation failed, skipping search")
		return "", false
	}
	query = strings.Trim(strings.TrimSpace(query), `"`)
	return query, query != ""
}
