package campaign

// Selection is the result of keyword selection for one run
type Selection struct {
	Keyword string
	// Exhausted is set when every keyword has been used in one-post-per-keyword mode
	Exhausted bool
	// Order is non-nil when the persisted permutation was (re)generated and must be saved
	Order []string
}

// SelectKeyword picks the keyword for the next run.
// perm must return a random permutation of [0, n).
func SelectKeyword(c *Campaign, perm func(n int) []int) Selection {
	if len(c.Keywords) == 0 {
		return Selection{}
	}

	var sel Selection
	order := c.KeywordOrder
	if c.RotateKeywords && len(order) != len(c.Keywords) {
		order = permute(c.Keywords, perm)
		sel.Order = order
	}

	if c.OnePostPerKeyword {
		done := doneSet(c.KeywordsDone)
		remaining := make([]string, 0, len(c.Keywords))
		for _, k := range c.Keywords {
			if !done[NormalizeKeyword(k)] {
				remaining = append(remaining, k)
			}
		}
		if len(remaining) == 0 {
			sel.Exhausted = true
			return sel
		}

		if c.RotateKeywords {
			for _, k := range order {
				if !done[NormalizeKeyword(k)] {
					sel.Keyword = k
					return sel
				}
			}
		}
		sel.Keyword = remaining[0]
		return sel
	}

	if c.RotateKeywords {
		sel.Keyword = order[c.PostsRun%len(order)]
		return sel
	}
	sel.Keyword = c.Keywords[c.PostsRun%len(c.Keywords)]
	return sel
}

// KeywordsCovered reports whether done covers every keyword of the campaign
func KeywordsCovered(keywords, done []string) bool {
	set := doneSet(done)
	for _, k := range keywords {
		if !set[NormalizeKeyword(k)] {
			return false
		}
	}
	return true
}

// MarkDone returns done with keyword added (normalized, without duplicates)
func MarkDone(done []string, keyword string) []string {
	n := NormalizeKeyword(keyword)
	for _, d := range done {
		if d == n {
			return append([]string(nil), done...)
		}
	}
	return append(append([]string(nil), done...), n)
}

func permute(keywords []string, perm func(n int) []int) []string {
	idx := perm(len(keywords))
	order := make([]string, len(keywords))
	for i, j := range idx {
		order[i] = keywords[j]
	}
	return order
}

func doneSet(done []string) map[string]bool {
	set := make(map[string]bool, len(done))
	for _, d := range done {
		set[NormalizeKeyword(d)] = true
	}
	return set
}

// ApplyEdit returns stored updated with the editable fields of edit.
// Run state is preserved. A completed campaign is resumed when the edit adds
// keywords or raises max posts above posts run; resumed reports that case.
func ApplyEdit(stored, edit *Campaign) (updated *Campaign, resumed bool) {
	next := stored.Clone()

	next.Name = edit.Name
	next.Enabled = edit.Enabled
	next.PausedAutorun = edit.PausedAutorun
	next.Keywords = append([]string(nil), edit.Keywords...)
	next.MinWords = edit.MinWords
	next.MaxWords = edit.MaxWords
	next.MaxPosts = edit.MaxPosts
	next.RotateKeywords = edit.RotateKeywords
	next.OnePostPerKeyword = edit.OnePostPerKeyword
	next.KeywordAsTitle = edit.KeywordAsTitle
	next.CustomTitlePrompt = edit.CustomTitlePrompt
	next.CustomContentPrompt = edit.CustomContentPrompt
	next.Provider = edit.Provider
	next.Model = edit.Model
	next.UseCustomParams = edit.UseCustomParams
	next.MaxTokensOverride = edit.MaxTokensOverride
	next.TemperatureOverride = edit.TemperatureOverride
	next.PostStatus = edit.PostStatus
	next.AuthorID = edit.AuthorID
	next.PostType = edit.PostType
	next.Categories = append([]string(nil), edit.Categories...)
	next.RunInterval = edit.RunInterval
	next.RunUnit = edit.RunUnit
	next.CustomTimeEnabled = edit.CustomTimeEnabled
	next.CustomTimeValue = edit.CustomTimeValue

	if !stored.IsCompleted() {
		return next, false
	}

	// Completion forced Enabled=false; keep it that way unless the edit resumes.
	next.Enabled = false

	previous := doneSet(stored.Keywords)
	addedKeywords := false
	for _, k := range next.Keywords {
		if !previous[NormalizeKeyword(k)] {
			addedKeywords = true
			break
		}
	}

	raisedMax := stored.MaxPosts > 0 &&
		(next.MaxPosts == 0 || next.MaxPosts > stored.MaxPosts) &&
		(next.MaxPosts == 0 || next.MaxPosts > next.PostsRun)

	if !addedKeywords && !raisedMax {
		return next, false
	}
	if next.MaxPosts > 0 && next.PostsRun >= next.MaxPosts {
		return next, false
	}

	// A resumed campaign starts a fresh pass over its keywords.
	next.KeywordsDone = nil

	next.Status = StatusActive
	next.CompletedReason = ""
	next.Enabled = true
	return next, true
}
