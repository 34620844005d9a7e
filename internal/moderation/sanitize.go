package moderation

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNicknameLength caps nicknames, in runes.
const MaxNicknameLength = 24

var nicknamePolicy = bluemonday.StrictPolicy()

// SanitizeNickname strips markup and surrounding space and caps the length.
// It returns "" when nothing printable is left; callers choose the fallback.
func SanitizeNickname(nickname string) string {
	if nickname == "" {
		return ""
	}

	decoded := html.UnescapeString(nickname)
	clean := html.UnescapeString(nicknamePolicy.Sanitize(decoded))
	clean = strings.TrimSpace(clean)

	if r := []rune(clean); len(r) > MaxNicknameLength {
		clean = strings.TrimSpace(string(r[:MaxNicknameLength]))
	}
	return clean
}
