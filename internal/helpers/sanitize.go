package helpers

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	plainTextPolicyOnce sync.Once
	plainTextPolicy     *bluemonday.Policy

	emailPolicyOnce sync.Once
	emailPolicy     *bluemonday.Policy
)

// PlainTextPolicy strips every element and attribute. Channels that render
// plain text only (LinkedIn, task descriptions) go through it.
func PlainTextPolicy() *bluemonday.Policy {
	plainTextPolicyOnce.Do(func() {
		plainTextPolicy = bluemonday.StrictPolicy()
	})
	return plainTextPolicy
}

// EmailHTMLPolicy allows the formatting an outbound email body may carry:
// paragraphs, emphasis, lists and links. Images, forms and scripts are
// removed and links must be absolute http(s) or mailto.
func EmailHTMLPolicy() *bluemonday.Policy {
	emailPolicyOnce.Do(func() {
		policy := bluemonday.NewPolicy()
		policy.AllowElements("p", "br", "strong", "b", "em", "i", "u", "ul", "ol", "li", "blockquote")
		policy.AllowAttrs("href").OnElements("a")
		policy.AllowURLSchemes("http", "https", "mailto")
		policy.RequireParseableURLs(true)
		policy.AllowRelativeURLs(false)
		policy.RequireNoFollowOnLinks(false)
		emailPolicy = policy
	})
	return emailPolicy
}

// SanitizePlainText removes every HTML tag from s and trims it.
func SanitizePlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(PlainTextPolicy().Sanitize(s))
}

// SanitizeEmailBody cleans s with EmailHTMLPolicy.
func SanitizeEmailBody(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.TrimSpace(EmailHTMLPolicy().Sanitize(s))
}

// TruncateRunes cuts s to at most max runes.
func TruncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
