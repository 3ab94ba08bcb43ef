package resolver

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"strings"
)

// Patterns that locate an article token inside an indirect URL.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/articles/([^?/]+)`),
	regexp.MustCompile(`/read/([^?/]+)`),
	regexp.MustCompile(`(C[AB][MEI0-9][A-Za-z0-9_\-]+)`),
	regexp.MustCompile(`articles%2F([^&]+)`),
	regexp.MustCompile(`read%2F([^&]+)`),
}

// Known token prefixes stripped before decoding.
var tokenPrefixes = []string{"CBM", "CAE", "CAI", "CB0", "CB1", "CB2"}

var base64Paddings = []string{"", "=", "==", "==="}

var urlScanPattern = regexp.MustCompile("https?://[^\\s\"'<>\\x00-\\x1f]+")

const urlTrailingPunct = `.,;:)]}'"`

// extractToken returns the first token-shaped substring found in rawURL.
func extractToken(rawURL string) string {
	for _, p := range tokenPatterns {
		if m := p.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}

// tokenVariants produces the candidate strings to feed the base64 decoders:
// the raw token, the token with known prefixes stripped, and alphabet and
// escaping normalizations of both.
func tokenVariants(token string) []string {
	if unescaped, err := url.QueryUnescape(token); err == nil {
		token = unescaped
	}
	clean := token
	for _, prefix := range tokenPrefixes {
		clean = strings.TrimPrefix(clean, prefix)
	}
	return []string{
		token,
		clean,
		strings.NewReplacer("-", "+", "_", "/").Replace(token),
		strings.NewReplacer("-", "+", "_", "/").Replace(clean),
		strings.NewReplacer("%3D", "=", "%2B", "+", "%2F", "/").Replace(token),
	}
}

// decodeVariants decodes candidate through standard and URL-safe base64 with
// every padding variant, collecting any text that comes out.
func decodeVariants(candidate string) []string {
	var texts []string
	for _, padding := range base64Paddings {
		padded := candidate + padding
		if decoded, err := base64.StdEncoding.DecodeString(padded); err == nil {
			texts = append(texts, string(decoded))
		}
		if decoded, err := base64.URLEncoding.DecodeString(padded); err == nil {
			texts = append(texts, string(decoded))
		}
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(candidate); err == nil {
		texts = append(texts, string(decoded))
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(candidate); err == nil {
		texts = append(texts, string(decoded))
	}
	return texts
}

// scanForExternalURL finds the first URL embedded in text that passes the
// external predicate, stripping trailing punctuation.
func scanForExternalURL(text string, isExternal func(string) bool) string {
	for _, found := range urlScanPattern.FindAllString(text, -1) {
		found = strings.TrimRight(found, urlTrailingPunct)
		if isExternal(found) {
			return found
		}
	}
	return ""
}
