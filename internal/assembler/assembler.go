// Package assembler transforms generated HTML fragments: document cleanup,
// word counting, block-aware truncation and continuation bookkeeping.
// Nothing in this package performs I/O.
package assembler

import (
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// ContinueMarker is the token a provider appends when it stops early
const ContinueMarker = "CONTINUE"

var (
	anyTagPattern      = regexp.MustCompile(`<[^>]*>`)
	htmlTagPresent     = regexp.MustCompile(`<[a-zA-Z][a-zA-Z0-9]*(\s[^>]*)?/?>`)
	docWrapperPattern  = regexp.MustCompile(`(?i)<html|<!doctype`)
	articleInner       = regexp.MustCompile(`(?is)<article\b[^>]*>(.*)</article>`)
	bodyInner          = regexp.MustCompile(`(?is)<body\b[^>]*>(.*)</body>`)
	throughHead        = regexp.MustCompile(`(?is)^.*?</head>`)
	docElementPattern  = regexp.MustCompile(`(?is)<(?:script|style|title)\b[^>]*>.*?</(?:script|style|title)\s*>`)
	docTagPattern      = regexp.MustCompile(`(?i)</?(?:html|head|body|meta|title|link|script|style)\b[^>]*>|<!doctype[^>]*>`)
	leadingH1          = regexp.MustCompile(`(?is)<h1\b[^>]*>(.*?)</h1\s*>`)
	trailingArticle    = regexp.MustCompile(`(?i)</article\s*>\s*$`)
	leadingArticle     = regexp.MustCompile(`(?i)^<article\b[^>]*>`)
	continueTextTail   = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])continue[\s.!…]*$`)
	continueHTMLTail   = regexp.MustCompile(`(?is)\s*\bcontinue\b[\s.!…]*((?:\s*</[a-z0-9]+\s*>)*)\s*$`)
	emptyTrailingBlock = regexp.MustCompile(`(?is)<(p|div|li|h[1-6])\b[^>]*>\s*</(?:p|div|li|h[1-6])>\s*$`)
	opaqueIDPattern    = regexp.MustCompile(`^(?:resp|msg|chatcmpl|cmpl|gen|run|req|asst|thread)[_-][A-Za-z0-9_-]{8,}$`)
	codeFenceOpen      = regexp.MustCompile("^```[a-zA-Z]*[ \t]*\r?\n?")
	codeFenceClose     = regexp.MustCompile("\r?\n?```\\s*$")
)

// NormalizeRawHTML turns a provider's text output into an HTML fragment.
// JSON payloads are searched for the best content string; full documents
// are reduced to their article or body content.
func NormalizeRawHTML(raw string) string {
	s := StripCodeFences(raw)

	if looksLikeJSON(s) {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			s = bestContentString(v)
		}
	}

	if docWrapperPattern.MatchString(s) {
		if m := articleInner.FindStringSubmatch(s); m != nil {
			s = m[1]
		} else if m := bodyInner.FindStringSubmatch(s); m != nil {
			s = m[1]
		} else {
			s = throughHead.ReplaceAllString(s, "")
		}
	}

	return StripDocumentTags(s)
}

// StripCodeFences removes a markdown code fence wrapped around the whole text
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = codeFenceOpen.ReplaceAllString(s, "")
	s = codeFenceClose.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// StripDocumentTags removes document-level tags wherever they appear
func StripDocumentTags(s string) string {
	s = docElementPattern.ReplaceAllString(s, "")
	s = docTagPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func looksLikeJSON(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	return false
}

// bestContentString walks every string leaf and prefers the longest one
// containing an HTML tag, else the longest one of at least 30 characters.
func bestContentString(v any) string {
	var leaves []string
	collectStrings(v, &leaves)

	var tagged, plain string
	for _, s := range leaves {
		if htmlTagPresent.MatchString(s) {
			if len(s) > len(tagged) {
				tagged = s
			}
		} else if len(s) >= 30 && len(s) > len(plain) {
			plain = s
		}
	}
	if tagged != "" {
		return tagged
	}
	return plain
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case []any:
		for _, item := range t {
			collectStrings(item, out)
		}
	case map[string]any:
		for _, item := range t {
			collectStrings(item, out)
		}
	}
}

// PlainText strips tags, decodes entities and collapses whitespace
func PlainText(s string) string {
	return strings.Join(words(s), " ")
}

// WordCount counts whitespace-separated words of the tag-stripped text
func WordCount(s string) int {
	return len(words(s))
}

func words(s string) []string {
	// Tags become spaces so adjacent blocks never merge into one word.
	return strings.Fields(html.UnescapeString(anyTagPattern.ReplaceAllString(s, " ")))
}

// TailText returns at most maxChars trailing characters of the plain text
func TailText(s string, maxChars int) string {
	r := []rune(PlainText(s))
	if len(r) <= maxChars {
		return string(r)
	}
	return strings.TrimSpace(string(r[len(r)-maxChars:]))
}

// AppendFragment joins a continuation fragment onto existing HTML
func AppendFragment(original, fragment string) string {
	a := strings.TrimSpace(original)
	b := strings.TrimSpace(fragment)
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}

	a = strings.TrimSpace(trailingArticle.ReplaceAllString(a, ""))
	b = strings.TrimSpace(leadingArticle.ReplaceAllString(b, ""))
	return a + "\n\n" + b
}

// ExtractLeadingH1 returns the text of the first <h1> and the HTML without it.
// Without an <h1> (or with an empty one) the title is fallback.
func ExtractLeadingH1(s, fallback string) (title, remainder string) {
	loc := leadingH1.FindStringSubmatchIndex(s)
	if loc == nil {
		return fallback, s
	}

	title = PlainText(s[loc[2]:loc[3]])
	remainder = strings.TrimSpace(s[:loc[0]] + s[loc[1]:])
	if title == "" {
		title = fallback
	}
	return title, remainder
}

// HasTrailingContinueMarker reports whether the text ends with the CONTINUE token
func HasTrailingContinueMarker(s string) bool {
	return continueTextTail.MatchString(PlainText(s))
}

// StripTrailingContinueMarker removes a trailing CONTINUE token and any block it leaves empty
func StripTrailingContinueMarker(s string) string {
	if !HasTrailingContinueMarker(s) {
		return s
	}
	s = continueHTMLTail.ReplaceAllString(s, "$1")
	for emptyTrailingBlock.MatchString(s) {
		s = emptyTrailingBlock.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// LooksLikeOpaqueID reports whether the text is only a vendor-internal identifier
func LooksLikeOpaqueID(s string) bool {
	return opaqueIDPattern.MatchString(PlainText(s))
}

// ResponseStatus returns the provider-reported status of a raw JSON body:
// the top-level "status", else the first output item's "status".
func ResponseStatus(raw string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &obj); err != nil {
		return "", false
	}

	if s, ok := stringField(obj["status"]); ok {
		return s, true
	}

	var output []map[string]json.RawMessage
	if err := json.Unmarshal(obj["output"], &output); err == nil && len(output) > 0 {
		if s, ok := stringField(output[0]["status"]); ok {
			return s, true
		}
	}
	return "", false
}

func stringField(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// WrapParagraph wraps plain text in a single escaped paragraph
func WrapParagraph(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return "<p>" + html.EscapeString(text) + "</p>"
}
