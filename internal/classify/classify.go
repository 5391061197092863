package classify

import (
	"strings"

	"github.com/radworks/pacsfetch/internal/query"
)

// ModalityFilter keeps study matches whose modalities intersect a configured
// set. An empty set keeps everything, so an unfiltered run needs no special
// casing upstream.
type ModalityFilter struct {
	wanted map[string]bool
}

func NewModalityFilter(modalities []string) *ModalityFilter {
	f := &ModalityFilter{wanted: make(map[string]bool, len(modalities))}
	for _, m := range modalities {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			f.wanted[m] = true
		}
	}
	return f
}

// Keep reports whether the match passes the filter. A match reporting no
// modalities at all is kept; archives differ on whether they return the
// ModalitiesInStudy attribute, and dropping those silently would hide
// studies the operator asked for.
func (f *ModalityFilter) Keep(m query.Match) bool {
	if len(f.wanted) == 0 || len(m.ModalitiesInStudy) == 0 {
		return true
	}
	for _, mod := range m.ModalitiesInStudy {
		if f.wanted[strings.ToUpper(strings.TrimSpace(mod))] {
			return true
		}
	}
	return false
}

// chestKeywords flag chest and thorax scintigraphy descriptions,
// case-insensitive. The French terms cover archives from francophone sites.
var chestKeywords = []string{
	"chest", "thorax", "lung", "pulmonary",
	"ventilation", "perfusion", "v/q", "vq",
	"heart", "myocardial", "cardiac", "coronary",
	"poumon", "thoracique", "cardiaque",
}

// KeywordMatcher matches free-text description attributes against a keyword
// list.
type KeywordMatcher struct {
	keywords []string
}

// NewChestMatcher returns a matcher loaded with the chest/thorax keyword
// list.
func NewChestMatcher() *KeywordMatcher {
	return &KeywordMatcher{keywords: chestKeywords}
}

// NewKeywordMatcher returns a matcher for a custom keyword list.
func NewKeywordMatcher(keywords []string) *KeywordMatcher {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			lowered = append(lowered, k)
		}
	}
	return &KeywordMatcher{keywords: lowered}
}

// Match scans the given texts in order and returns the first keyword hit
// and the text it occurred in.
func (km *KeywordMatcher) Match(texts ...string) (keyword, text string, ok bool) {
	for _, t := range texts {
		lowered := strings.ToLower(t)
		for _, k := range km.keywords {
			if strings.Contains(lowered, k) {
				return k, t, true
			}
		}
	}
	return "", "", false
}
