package generation

import (
	"fmt"
	"strings"

	"github.com/foxzi/autopost/internal/campaign"
)

// contextChars is how much trailing article text a continuation prompt carries
const contextChars = 2500

// wordRule phrases the length target for the draft prompt
func wordRule(minWords, maxWords int) string {
	switch {
	case minWords > 0 && maxWords > 0:
		return fmt.Sprintf("between %d and %d words", minWords, maxWords)
	case minWords > 0:
		return fmt.Sprintf("at least %d words", minWords)
	case maxWords > 0:
		return fmt.Sprintf("at most %d words", maxWords)
	default:
		return "between 800 and 1500 words"
	}
}

func substituteKeyword(s, keyword string) string {
	return strings.ReplaceAll(s, "{keyword}", keyword)
}

// draftPrompt builds the single prompt for the first call
func draftPrompt(c *campaign.Campaign, keyword string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write a complete article in HTML about: %q.\n\n", keyword)

	b.WriteString("Structure:\n")
	b.WriteString("- Exactly one <h1> with the article title")
	if guidance := strings.TrimSpace(c.CustomTitlePrompt); guidance != "" {
		fmt.Fprintf(&b, " (title guidance: %s)", substituteKeyword(guidance, keyword))
	}
	b.WriteString(".\n")
	b.WriteString("- An introductory <p> right after the title.\n")
	b.WriteString("- At least two <h2> sections, each with paragraphs; <ul> or <ol> lists are allowed.\n\n")

	fmt.Fprintf(&b, "Length: %s.\n\n", wordRule(c.MinWords, c.MaxWords))

	b.WriteString("Rules:\n")
	b.WriteString("- Output only the article HTML. No <html>, <head>, <body> or <!DOCTYPE> tags and no markdown code fences.\n")
	b.WriteString("- No notes, explanations or commentary about the article or these instructions.\n")
	b.WriteString("- If you have to stop before the article is finished, end at a complete sentence and append the single word CONTINUE.\n")

	if extra := strings.TrimSpace(c.CustomContentPrompt); extra != "" {
		b.WriteString("\nAdditional instructions:\n")
		b.WriteString(substituteKeyword(extra, keyword))
		b.WriteString("\n")
	}

	return b.String()
}

// continuationPrompt asks for more of the same article
func continuationPrompt(keyword string, words int, tail string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Continue the HTML article about %q.\n\n", keyword)
	b.WriteString("Stay strictly on the same topic only. Do not start a new article, do not add a new <h1>, ")
	b.WriteString("and do not repeat sections that were already written.\n")
	fmt.Fprintf(&b, "Write at least %d more words using <h2>, <p> and list tags only. ", words)
	b.WriteString("No <html>, <head> or <body> tags, no markdown fences, no commentary.\n")
	b.WriteString("If you have to stop early, end at a complete sentence and append the single word CONTINUE.\n\n")
	b.WriteString("The article so far ends with:\n\"\"\"\n")
	b.WriteString(tail)
	b.WriteString("\n\"\"\"\n")

	return b.String()
}
