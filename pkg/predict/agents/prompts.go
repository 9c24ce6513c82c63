package agents

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"

	"github.com/tacticore/tacticore/pkg/footdata"
)

type promptLanguage int

const (
	langEnglish promptLanguage = iota
	langTurkish
	langGerman
)

var langMatcher = language.NewMatcher([]language.Tag{
	language.English, // fallback
	language.Turkish,
	language.German,
})

// matchLanguage resolves a BCP 47 tag to a supported prompt language,
// falling back to English for anything unknown.
func matchLanguage(tag string) promptLanguage {
	if tag == "" {
		return langEnglish
	}
	t, err := language.Parse(tag)
	if err != nil {
		return langEnglish
	}
	_, idx, _ := langMatcher.Match(t)
	return promptLanguage(idx)
}

// outputContract is appended to every prompt so all agents answer in the
// same machine-readable shape regardless of language.
const outputContract = `Respond with ONLY a JSON object in this exact shape:
{
  "match_result": {"selection": "1|X|2", "confidence": 0-100, "reasoning": "..."},
  "over_under_25": {"selection": "Over|Under", "confidence": 0-100, "reasoning": "..."},
  "btts": {"selection": "Yes|No", "confidence": 0-100, "reasoning": "..."},
  "score": "H-A"
}
Omit any market you cannot judge. No text outside the JSON object.`

var systemPrompts = map[Role]map[promptLanguage]string{
	RoleScout: {
		langEnglish: "You are a football scout. Judge matches on recent form, momentum and squad situation. Be conservative when form data is thin.",
		langTurkish: "Sen bir futbol gözlemcisisin. Maçları son form, ivme ve kadro durumuna göre değerlendir. Form verisi azsa temkinli ol.",
		langGerman:  "Du bist ein Fußball-Scout. Bewerte Spiele anhand der aktuellen Form, des Momentums und der Kaderlage. Sei vorsichtig bei dünner Datenlage.",
	},
	RoleStatistics: {
		langEnglish: "You are a football statistician. Base every call on goal rates, clean sheets and scoring distributions. Never let narrative override the numbers.",
		langTurkish: "Sen bir futbol istatistikçisisin. Her kararı gol ortalamaları, gol yememe oranları ve skor dağılımlarına dayandır.",
		langGerman:  "Du bist Fußball-Statistiker. Stütze jede Einschätzung auf Torquoten, Zu-null-Spiele und Torverteilungen.",
	},
	RoleOdds: {
		langEnglish: "You are an odds analyst. Read the bookmaker prices as implied probabilities and flag where they disagree with the underlying data.",
		langTurkish: "Sen bir oran analistisin. Bahis oranlarını olasılık olarak oku ve verilerle çeliştikleri yerleri belirt.",
		langGerman:  "Du bist Quoten-Analyst. Lies die Buchmacherquoten als implizite Wahrscheinlichkeiten und markiere Abweichungen von den Daten.",
	},
	RoleStrategy: {
		langEnglish: "You are a football tactician. Judge the matchup: styles, game state tendencies, and how the sides' strengths collide.",
		langTurkish: "Sen bir futbol taktisyenisin. Eşleşmeyi değerlendir: oyun tarzları, maç akışı eğilimleri ve güçlerin çatışması.",
		langGerman:  "Du bist Fußball-Taktiker. Bewerte das Duell: Spielstile, Spielverlaufs-Tendenzen und das Aufeinandertreffen der Stärken.",
	},
	RoleArbiter: {
		langEnglish: "You are the arbiter of a prediction panel. Weigh the analysts' reports against the data, resolve their disagreements, and issue the final calls. Demand strong evidence for high confidence.",
		langTurkish: "Sen bir tahmin panelinin hakemisin. Analist raporlarını verilerle tart, çelişkileri çöz ve nihai kararları ver. Yüksek güven için güçlü kanıt iste.",
		langGerman:  "Du bist der Schiedsrichter eines Prognose-Panels. Wäge die Analystenberichte gegen die Daten ab, löse Widersprüche und triff die endgültigen Entscheidungen.",
	},
	RoleLive: {
		langEnglish: "You are a live football analyst. Reassess the match from the current state and momentum.",
	},
	RoleArbitrage: {
		langEnglish: "You are a value analyst. Find selections where the data-implied probability beats the bookmaker price.",
	},
	RoleLearning: {
		langEnglish: "You are a calibration analyst. Adjust calls using how similar past predictions settled.",
	},
}

func systemPrompt(role Role, lang promptLanguage) string {
	byLang, ok := systemPrompts[role]
	if !ok {
		return systemPrompts[RoleScout][langEnglish]
	}
	if s, ok := byLang[lang]; ok {
		return s
	}
	return byLang[langEnglish]
}

// buildPrompt renders the fixture context for one agent. The arbiter also
// receives the other agents' reports.
func buildPrompt(role Role, mc *footdata.MatchContext, lang promptLanguage, priorReports []AgentPrediction) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Fixture: %s vs %s\n", mc.HomeTeam, mc.AwayTeam)
	if mc.League != "" {
		fmt.Fprintf(&b, "League: %s\n", mc.League)
	}
	if !mc.KickoffTime.IsZero() {
		fmt.Fprintf(&b, "Kickoff: %s\n", mc.KickoffTime.Format("2006-01-02 15:04 MST"))
	}
	b.WriteString("\n")

	writeForm(&b, mc.HomeTeam, mc.HomeForm)
	writeForm(&b, mc.AwayTeam, mc.AwayForm)

	if len(mc.H2H) > 0 {
		b.WriteString("Head to head (most recent first):\n")
		for i, h := range mc.H2H {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "- %s %d-%d %s (%s)\n", h.HomeTeam, h.HomeScore, h.AwayScore, h.AwayTeam, h.Date)
		}
		b.WriteString("\n")
	}

	if mc.Odds != nil && mc.Odds.HasMatchResult() {
		fmt.Fprintf(&b, "Bookmaker odds: 1=%s X=%s 2=%s", mc.Odds.Home, mc.Odds.Draw, mc.Odds.Away)
		if !mc.Odds.Over25.IsZero() {
			fmt.Fprintf(&b, " | O2.5=%s U2.5=%s", mc.Odds.Over25, mc.Odds.Under25)
		}
		if !mc.Odds.BTTSYes.IsZero() {
			fmt.Fprintf(&b, " | BTTS Yes=%s No=%s", mc.Odds.BTTSYes, mc.Odds.BTTSNo)
		}
		b.WriteString("\n\n")
	} else {
		// Degraded data: the agent must not pretend the market view exists.
		b.WriteString("No bookmaker odds are available. Lower your confidence accordingly.\n\n")
	}

	if mc.HomeForm == nil || mc.AwayForm == nil {
		b.WriteString("Form data is incomplete. Lower your confidence accordingly.\n\n")
	}

	if role == RoleArbiter && len(priorReports) > 0 {
		b.WriteString("Analyst reports:\n")
		for _, r := range priorReports {
			if r.Abstained {
				fmt.Fprintf(&b, "- %s (%s): abstained\n", r.Role, r.Model)
				continue
			}
			fmt.Fprintf(&b, "- %s (%s):", r.Role, r.Model)
			if r.Result != nil {
				fmt.Fprintf(&b, " result=%s(%.0f)", r.Result.Selection, r.Result.Confidence)
			}
			if r.OverUnder != nil {
				fmt.Fprintf(&b, " o/u=%s(%.0f)", r.OverUnder.Selection, r.OverUnder.Confidence)
			}
			if r.BTTS != nil {
				fmt.Fprintf(&b, " btts=%s(%.0f)", r.BTTS.Selection, r.BTTS.Confidence)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(outputContract)
	return b.String()
}

func writeForm(b *strings.Builder, team string, f *footdata.TeamForm) {
	if f == nil {
		return
	}
	fmt.Fprintf(b, "%s last %d: %s (%dW %dD %dL, %.1f scored / %.1f conceded per game, BTTS %.0f%%, O2.5 %.0f%%, clean sheets %.0f%%)\n",
		team, f.Wins+f.Draws+f.Losses, f.Sequence, f.Wins, f.Draws, f.Losses,
		f.AvgGoalsScored, f.AvgGoalsAgainst, f.BTTSRate, f.Over25Rate, f.CleanSheetRate)
	b.WriteString("\n")
}
