// Package route classifies inbound proxy routes into the small set of
// route families that are rewritten before forwarding.
package route

import "strings"

// Kind identifies a route family.
type Kind int

const (
	// KindGeneric routes are forwarded verbatim.
	KindGeneric Kind = iota
	// KindCharacterSearch routes are rewritten to the authenticated
	// character search endpoint.
	KindCharacterSearch
	// KindCharacterOnline routes address a character's online status.
	KindCharacterOnline
)

// String returns a stable label, also used for metrics.
func (k Kind) String() string {
	switch k {
	case KindCharacterSearch:
		return "character_search"
	case KindCharacterOnline:
		return "character_online"
	default:
		return "generic"
	}
}

// Classification is the result of classifying a route. Version, CharacterID
// and LegacyShape are only set for KindCharacterOnline.
type Classification struct {
	Kind        Kind
	Version     string
	CharacterID string
	LegacyShape bool
}

// Generic is the classification of any route that matches no family.
var Generic = Classification{Kind: KindGeneric}

// matcher inspects path segments and reports a classification on match.
type matcher func(segs []string) (Classification, bool)

// matchers are evaluated in order; the first match wins.
var matchers = []matcher{
	matchSearch,
	matchCharacterOnline,
}

// Classify returns the classification of path. It never fails: a path that
// matches no family, including malformed ones, is Generic.
func Classify(path string) Classification {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for _, m := range matchers {
		if c, ok := m(segs); ok {
			return c
		}
	}
	return Generic
}

// matchSearch matches <version>/search and anything below it.
func matchSearch(segs []string) (Classification, bool) {
	if len(segs) < 2 || !isVersion(segs[0]) || !strings.EqualFold(segs[1], "search") {
		return Classification{}, false
	}
	return Classification{Kind: KindCharacterSearch}, true
}

// matchCharacterOnline matches <version>/characters/<digits>/online and
// anything below it.
func matchCharacterOnline(segs []string) (Classification, bool) {
	if len(segs) < 4 ||
		!isVersion(segs[0]) ||
		!strings.EqualFold(segs[1], "characters") ||
		!isDigits(segs[2]) ||
		!strings.EqualFold(segs[3], "online") {
		return Classification{}, false
	}
	version := segs[0]
	return Classification{
		Kind:        KindCharacterOnline,
		Version:     version,
		CharacterID: segs[2],
		LegacyShape: strings.EqualFold(version, "v1") || strings.EqualFold(version, "legacy"),
	}, true
}

// isVersion reports whether seg is v1-v9, latest, dev or legacy, ignoring case.
func isVersion(seg string) bool {
	if len(seg) == 2 && (seg[0] == 'v' || seg[0] == 'V') && seg[1] >= '1' && seg[1] <= '9' {
		return true
	}
	switch strings.ToLower(seg) {
	case "latest", "dev", "legacy":
		return true
	}
	return false
}

func isDigits(seg string) bool {
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		if seg[i] < '0' || seg[i] > '9' {
			return false
		}
	}
	return true
}
