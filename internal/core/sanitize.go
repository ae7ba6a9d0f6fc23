package core

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/friespotatotissue/please/internal/protocol"
)

// DefaultName is given to new identities and replaces unusable names.
const DefaultName = "Anonymous"

// maxCombining caps consecutive combining marks ("zalgo" stacking).
const maxCombining = 2

var colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// stripRestricted removes control and format characters, line breaks and
// runs of combining marks beyond maxCombining.
func stripRestricted(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	combining := 0
	for _, r := range s {
		switch {
		case r == '\r' || r == '\n' || r == '\u2028' || r == '\u2029':
			continue
		case r == unicode.ReplacementChar:
			continue
		case unicode.IsControl(r) && r != '\t':
			continue
		case unicode.Is(unicode.Cf, r):
			continue
		case unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Me, r):
			combining++
			if combining > maxCombining {
				continue
			}
		default:
			combining = 0
		}
		if r == '\t' {
			r = ' '
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// SanitizeChat prepares a chat line for storage and broadcast.
func SanitizeChat(text string) string {
	return truncateRunes(stripRestricted(text), protocol.MaxChatLength)
}

// SanitizeName cleans a display name. Markup brackets are dropped too.
// Empty or oversize results are replaced with DefaultName.
func SanitizeName(name string) string {
	name = stripRestricted(name)
	name = strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > protocol.MaxNameLength {
		return DefaultName
	}
	return name
}

// ValidColor reports whether c is a #rgb or #rrggbb color.
func ValidColor(c string) bool {
	return colorPattern.MatchString(c)
}
