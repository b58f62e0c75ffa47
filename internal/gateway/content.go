package gateway

import "regexp"

// maxMessageLength caps message content, counted in runes.
const maxMessageLength = 4000

// maxMentions caps how many distinct @mentions one message can notify.
const maxMentions = 10

var (
	tagPattern     = regexp.MustCompile(`<[^>]*>`)
	mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)
	urlPattern     = regexp.MustCompile(`https?://[^\s<>"]+`)
)

// stripTags removes HTML tags from message content. This is a blunt strip
// against stored markup injection, not an allow-list sanitizer; rendering
// must not treat the result as safe raw HTML.
func stripTags(s string) string {
	return tagPattern.ReplaceAllString(s, "")
}

// extractMentions returns up to max distinct @usernames in order of first
// appearance.
func extractMentions(s string, max int) []string {
	matches := mentionPattern.FindAllStringSubmatch(s, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		name := m[1]
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
		if len(out) == max {
			break
		}
	}
	return out
}

// extractURLs returns the http(s) URLs found in message content.
func extractURLs(s string) []string {
	return urlPattern.FindAllString(s, -1)
}
