// Package match holds the pure text-side pieces of a scan: rule matching,
// weighted reply selection, item fingerprints and text normalisation.
package match

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Candidate is the matcher's view of a rule.
type Candidate struct {
	ID         string
	Trigger    string
	Variations []string
}

// Result describes which rule matched and on which phrase.
type Result struct {
	Index   int
	RuleID  string
	Matched string
}

// FirstMatch returns the first candidate, in slice order, whose trigger or any
// variation is a case-insensitive substring of text. Empty phrases never match.
func FirstMatch(text string, candidates []Candidate) (Result, bool) {
	haystack := strings.ToLower(text)
	if haystack == "" {
		return Result{}, false
	}
	for i, c := range candidates {
		if phraseIn(haystack, c.Trigger) {
			return Result{Index: i, RuleID: c.ID, Matched: c.Trigger}, true
		}
		for _, v := range c.Variations {
			if phraseIn(haystack, v) {
				return Result{Index: i, RuleID: c.ID, Matched: v}, true
			}
		}
	}
	return Result{}, false
}

func phraseIn(haystack, phrase string) bool {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	return phrase != "" && strings.Contains(haystack, phrase)
}

var stripPolicy = bluemonday.StrictPolicy()

// NormalizeText strips markup from scraped post text and collapses whitespace.
func NormalizeText(raw string) string {
	clean := html.UnescapeString(stripPolicy.Sanitize(raw))
	return strings.Join(strings.Fields(clean), " ")
}

// Fingerprint derives a stable dedup key for an item. A platform item id is
// preferred; otherwise the normalised text and author identify the post.
func Fingerprint(targetID, itemID, author, text string) string {
	var key string
	if id := strings.TrimSpace(itemID); id != "" {
		key = "id\x00" + targetID + "\x00" + id
	} else {
		key = "text\x00" + targetID + "\x00" + strings.ToLower(strings.TrimSpace(author)) + "\x00" + strings.ToLower(NormalizeText(text))
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
