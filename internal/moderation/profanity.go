package moderation

import (
	"strings"
	"unicode"
)

// MaskGlyph replaces every character of a blocked span.
const MaskGlyph = '•'

// DefaultBlocklist is the sample list shipped with the client.
var DefaultBlocklist = []string{"fuck", "shit", "bitch", "asshole", "개새", "병신", "씨발"}

// Masker hides blocked terms, matching case-insensitively anywhere in the
// text (whole words and parts of words alike).
type Masker struct {
	terms [][]rune
}

// NewMasker builds a Masker for blocklist. Empty terms and terms containing
// the mask glyph are ignored.
func NewMasker(blocklist []string) *Masker {
	m := &Masker{}
	for _, w := range blocklist {
		w = strings.TrimSpace(w)
		if w == "" || strings.ContainsRune(w, MaskGlyph) {
			continue
		}
		term := []rune(w)
		for i, r := range term {
			term[i] = unicode.ToLower(r)
		}
		m.terms = append(m.terms, term)
	}
	return m
}

// Mask returns text with every matched span replaced rune-for-rune by
// MaskGlyph, so the rune count never changes.
func (m *Masker) Mask(text string) string {
	if m == nil || len(m.terms) == 0 || text == "" {
		return text
	}

	runes := []rune(text)
	hidden := make([]bool, len(runes))
	found := false
	for _, term := range m.terms {
		for i := 0; i+len(term) <= len(runes); i++ {
			if matchAt(runes, i, term) {
				for j := range term {
					hidden[i+j] = true
				}
				found = true
			}
		}
	}
	if !found {
		return text
	}

	for i, h := range hidden {
		if h {
			runes[i] = MaskGlyph
		}
	}
	return string(runes)
}

func matchAt(runes []rune, at int, term []rune) bool {
	for j, r := range term {
		if unicode.ToLower(runes[at+j]) != r {
			return false
		}
	}
	return true
}
