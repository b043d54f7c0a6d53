package index

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultTopK bounds how many keywords a single record contributes to the
// index, per §4.3's keyword_top_k setting.
const DefaultTopK = 12

// stopwords is a small built-in English stopword set. Matches the rule
// recovered from the retrieved tokenizer reference: short function words
// contribute no discriminative power to keyword lookup and are dropped
// before the top-K frequency cut.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "if": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"of": {}, "to": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {},
	"by": {}, "from": {}, "as": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"it": {}, "its": {}, "they": {}, "them": {}, "you": {}, "your": {}, "we": {},
	"our": {}, "i": {}, "he": {}, "she": {}, "his": {}, "her": {}, "not": {},
	"do": {}, "does": {}, "did": {}, "can": {}, "could": {}, "will": {}, "would": {},
	"have": {}, "has": {}, "had": {}, "so": {}, "than": {}, "then": {}, "there": {},
}

// isWordRune reports whether r participates in a keyword run: any Unicode
// letter or digit. CJK characters (see isCJK) form runs of their own: a
// run ends wherever the text switches between CJK and non-CJK characters.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// ExtractKeywords tokenizes content into lowercased 2+ character runs,
// drops stopwords, and returns up to topK tokens ordered by descending
// frequency then first-occurrence order (stable for ties). topK<=0 uses
// DefaultTopK.
func ExtractKeywords(content string, topK int) []string {
	if topK <= 0 {
		topK = DefaultTopK
	}

	freq := make(map[string]int)
	order := make([]string, 0)
	var run []rune

	flush := func() {
		if len(run) == 0 {
			return
		}
		tok := strings.ToLower(string(run))
		run = run[:0]
		if len([]rune(tok)) < 2 {
			return
		}
		if _, stop := stopwords[tok]; stop {
			return
		}
		if _, seen := freq[tok]; !seen {
			order = append(order, tok)
		}
		freq[tok]++
	}

	for _, r := range content {
		if isWordRune(r) {
			if len(run) > 0 && isCJK(run[len(run)-1]) != isCJK(r) {
				flush()
			}
			run = append(run, r)
		} else {
			flush()
		}
	}
	flush()

	sort.SliceStable(order, func(i, j int) bool {
		return freq[order[i]] > freq[order[j]]
	})

	if len(order) > topK {
		order = order[:topK]
	}
	return order
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}
