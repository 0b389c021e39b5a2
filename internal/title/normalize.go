// Package title derives the fuzzy lookup keys used to find a work under its
// different provider spellings.
package title

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxVariations caps how many lookup keys a single title yields.
const MaxVariations = 4

// minLength is the exclusive rune-length floor for derived variations.
const minLength = 2

var (
	parentheticalRe = regexp.MustCompile(`\s*[\(\[][^\)\]]*[\)\]]`)
	// A colon anywhere, or a dash used as a separator (spaced hyphen, en or
	// em dash). Hyphenated words like "Spider-Man" are left alone.
	subtitleRe    = regexp.MustCompile(`(:|\s+-\s+|\s*[\x{2013}\x{2014}]).*$`)
	suffixRe      = regexp.MustCompile(`(?i)\s+(season\s*\d+|\d+(st|nd|rd|th)\s+season|the\s+movie|movie)$`)
	leadingTheRe  = regexp.MustCompile(`(?i)^the\s+`)
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	apostropheRe  = regexp.MustCompile(`['\x60\x{2018}\x{2019}\x{02BC}]`)
	multiSpaceRe  = regexp.MustCompile(`\s+`)
)

// Variations returns the ordered, distinct lookup keys for raw: the trimmed
// original first, then the cleaned form, its diacritic-folded form and a
// punctuation-normalized form of the full title. Derived forms are only
// emitted when they differ from the lowercase original and are longer than
// two characters.
func Variations(raw string) []string {
	original := strings.TrimSpace(raw)
	if original == "" {
		return nil
	}

	out := []string{original}
	seen := map[string]bool{strings.ToLower(original): true}
	add := func(v string) {
		if len(out) >= MaxVariations || utf8.RuneCountInString(v) <= minLength || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	cleaned := Clean(original)
	add(cleaned)
	add(Fold(cleaned))
	add(simplify(original))

	return out
}

// Clean applies the full cleaning chain: parentheticals, subtitles after a
// colon or separator dash, trailing "season N"/"movie" suffixes and a
// leading "the" are removed, then punctuation is stripped, whitespace
// collapsed and the result lowercased.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	s = parentheticalRe.ReplaceAllString(s, "")
	s = subtitleRe.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = suffixRe.ReplaceAllString(s, "")
	s = leadingTheRe.ReplaceAllString(s, "")
	s = apostropheRe.ReplaceAllString(s, "")
	s = punctuationRe.ReplaceAllString(s, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

// Fold strips combining marks so that "Pokémon" and "Pokemon" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Key returns the folded cleaned form of raw, falling back to the lowercase
// trimmed title when cleaning leaves nothing.
func Key(raw string) string {
	if k := Fold(Clean(raw)); k != "" {
		return k
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// simplify lowercases and strips punctuation without cutting subtitles, so
// "Re:Zero" still yields a usable key when the colon cut leaves too little.
func simplify(raw string) string {
	s := apostropheRe.ReplaceAllString(raw, "")
	s = punctuationRe.ReplaceAllString(s, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}
