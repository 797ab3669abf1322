// Package sanitize applies the post-content HTML allow-list to generated
// articles before they are stored.
package sanitize

import (
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy     *bluemonday.Policy
	policyOnce sync.Once
)

// getPolicy returns the shared policy, building it on first use
func getPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.UGCPolicy()

		// Article markup: headings, tables and figures as a blog editor would allow
		policy.AllowElements("h1", "h2", "h3", "h4", "h5", "h6")
		policy.AllowElements("figure", "figcaption", "mark", "small")
		policy.AllowElements("table", "thead", "tbody", "tfoot", "tr", "td", "th", "caption")
		policy.AllowAttrs("colspan", "rowspan").OnElements("td", "th")
		policy.AllowAttrs("class").OnElements("p", "span", "div", "figure", "table", "code", "pre")

		// Links in generated text always open as nofollow
		policy.RequireNoFollowOnLinks(true)
	})
	return policy
}

// HTML sanitizes an article fragment
func HTML(input string) string {
	if input == "" {
		return ""
	}
	return getPolicy().Sanitize(input)
}

// Policy adapts the package policy to interfaces that take a sanitizer value
type Policy struct{}

// Sanitize implements generation.Sanitizer
func (Policy) Sanitize(html string) string {
	return HTML(html)
}
