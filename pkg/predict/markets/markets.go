// Package markets models the bettable questions about a football match:
// the closed selection sets per market, the single place raw selection
// strings are normalized, and the pure outcome derivation used by grading.
package markets

import (
	"fmt"
	"strings"
)

// Market identifies a bettable question about a match.
type Market string

const (
	MatchResult  Market = "match_result"
	OverUnder25  Market = "over_under_25"
	BTTS         Market = "btts"
	CorrectScore Market = "correct_score"
)

// Selection is a normalized pick within a market.
type Selection string

const (
	// Match result selections, including double chance.
	SelHome       Selection = "1"
	SelDraw       Selection = "X"
	SelAway       Selection = "2"
	SelHomeOrDraw Selection = "1X"
	SelHomeOrAway Selection = "12"
	SelDrawOrAway Selection = "X2"

	// Over/Under 2.5 selections.
	SelOver  Selection = "Over"
	SelUnder Selection = "Under"

	// BTTS selections.
	SelYes Selection = "Yes"
	SelNo  Selection = "No"
)

// synonyms maps upper-cased raw selection strings to their canonical value.
// This is the only place synonyms are registered; grading never does string
// matching on raw input.
var synonyms = map[Market]map[string]Selection{
	MatchResult: {
		"1": SelHome, "HOME": SelHome, "EV SAHIBI": SelHome, "EV": SelHome, "HOME WIN": SelHome,
		"X": SelDraw, "DRAW": SelDraw, "BERABERLIK": SelDraw, "BERABERE": SelDraw,
		"2": SelAway, "AWAY": SelAway, "DEPLASMAN": SelAway, "AWAY WIN": SelAway,
		"1X": SelHomeOrDraw, "X1": SelHomeOrDraw,
		"12": SelHomeOrAway, "21": SelHomeOrAway,
		"X2": SelDrawOrAway, "2X": SelDrawOrAway,
	},
	// "U2.5" is deliberately absent: the ASCII-stripped Turkish "Ü2.5"
	// reads Over while the English abbreviation reads Under, so the
	// ambiguous form is rejected rather than silently graded.
	OverUnder25: {
		"OVER": SelOver, "OVER 2.5": SelOver, "O2.5": SelOver, "ÜST": SelOver, "UST": SelOver, "Ü2.5": SelOver, "O": SelOver,
		"UNDER": SelUnder, "UNDER 2.5": SelUnder, "ALT": SelUnder, "A2.5": SelUnder, "U": SelUnder,
	},
	BTTS: {
		"YES": SelYes, "EVET": SelYes, "VAR": SelYes, "KG VAR": SelYes, "GG": SelYes, "BTTS YES": SelYes,
		"NO": SelNo, "HAYIR": SelNo, "YOK": SelNo, "KG YOK": SelNo, "NG": SelNo, "BTTS NO": SelNo,
	},
}

// NormalizeSelection maps a raw selection string to its canonical value for
// the given market. Matching is case-insensitive and tolerant of surrounding
// whitespace. Correct score selections pass through trimmed ("2-1" stays
// "2-1").
func NormalizeSelection(market Market, raw string) (Selection, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty selection for market %s", market)
	}
	if market == CorrectScore {
		return Selection(strings.ReplaceAll(trimmed, " ", "")), nil
	}
	table, ok := synonyms[market]
	if !ok {
		return "", fmt.Errorf("unknown market %q", market)
	}
	sel, ok := table[strings.ToUpper(trimmed)]
	if !ok {
		return "", fmt.Errorf("unrecognized selection %q for market %s", raw, market)
	}
	return sel, nil
}

// Outcome is the ground truth derived from a final score. It is computed by
// DeriveOutcome only and contains everything grading needs, so grading itself
// never touches raw scores.
type Outcome struct {
	HomeScore  int
	AwayScore  int
	Result     Selection // SelHome, SelDraw or SelAway
	TotalGoals int
	OverUnder  Selection // SelOver or SelUnder (line 2.5, no push with integer scores)
	BTTS       Selection // SelYes or SelNo
}

// DeriveOutcome converts a final score into the actual outcome per market.
// Pure function, no I/O.
func DeriveOutcome(homeScore, awayScore int) Outcome {
	out := Outcome{
		HomeScore:  homeScore,
		AwayScore:  awayScore,
		TotalGoals: homeScore + awayScore,
	}

	switch {
	case homeScore > awayScore:
		out.Result = SelHome
	case awayScore > homeScore:
		out.Result = SelAway
	default:
		out.Result = SelDraw
	}

	if out.TotalGoals > 2 {
		out.OverUnder = SelOver
	} else {
		out.OverUnder = SelUnder
	}

	if homeScore > 0 && awayScore > 0 {
		out.BTTS = SelYes
	} else {
		out.BTTS = SelNo
	}

	return out
}

// Grade reports whether the normalized selection won against the outcome.
// Double chance selections win when the actual result is any covered outcome.
func Grade(market Market, sel Selection, out Outcome) (bool, error) {
	switch market {
	case MatchResult:
		switch sel {
		case SelHome, SelDraw, SelAway:
			return sel == out.Result, nil
		case SelHomeOrDraw:
			return out.Result == SelHome || out.Result == SelDraw, nil
		case SelHomeOrAway:
			return out.Result == SelHome || out.Result == SelAway, nil
		case SelDrawOrAway:
			return out.Result == SelDraw || out.Result == SelAway, nil
		}
	case OverUnder25:
		if sel == SelOver || sel == SelUnder {
			return sel == out.OverUnder, nil
		}
	case BTTS:
		if sel == SelYes || sel == SelNo {
			return sel == out.BTTS, nil
		}
	case CorrectScore:
		return string(sel) == fmt.Sprintf("%d-%d", out.HomeScore, out.AwayScore), nil
	}
	return false, fmt.Errorf("selection %q is not valid for market %s", sel, market)
}

// GradeRaw normalizes a raw selection string and grades it in one step.
func GradeRaw(market Market, raw string, out Outcome) (bool, error) {
	sel, err := NormalizeSelection(market, raw)
	if err != nil {
		return false, err
	}
	return Grade(market, sel, out)
}
