// Package sanitize strips unsafe HTML from free-text fields before they
// are persisted or substituted into rendered documents.
package sanitize

import "github.com/microcosm-cc/bluemonday"

var policy = func() *bluemonday.Policy {
	// Student responses and feedback may carry basic markup; only links
	// and images survive, everything else is stripped.
	p := bluemonday.NewPolicy()
	p.AllowElements("a", "img")
	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("src", "alt", "title").OnElements("img")
	p.AllowURLSchemes("http", "https")
	return p
}()

// Clean returns text with every disallowed HTML construct removed.
func Clean(text string) string {
	return policy.Sanitize(text)
}
