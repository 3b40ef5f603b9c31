// Package directive extracts inline control markup from generated replies:
// suggested quick actions and image requests. All markup is stripped from the
// text shown to the user.
package directive

import (
	"regexp"
	"strings"
)

// MaxActions caps how many suggested actions survive extraction.
const MaxActions = 2

// Reply is a generated reply after markup extraction.
type Reply struct {
	Text         string   // display text, markup removed
	Actions      []string // suggested quick replies, at most MaxActions
	ImagePrompt  string   // non-empty when the model requested an image
	ImageCaption string   // optional caption carried with the prompt
	Ambiguous    bool     // actions came from the loose fallback pattern
}

var (
	// Primary form: [actions: first option, second option]
	actionsRe = regexp.MustCompile(`(?is)\[\s*actions\s*:\s*(.*?)\s*\]`)

	// Loose fallback for models that drop the brackets: a line starting with
	// "Actions:" followed by a comma-separated list.
	actionsLooseRe = regexp.MustCompile(`(?im)^\s*actions\s*:\s*(.+)$`)

	// Premium inline form: [image: short scene description]
	imageRe = regexp.MustCompile(`(?is)\[\s*image\s*:\s*(.*?)\s*\]`)

	// Tagged form: [IMAGE_PROMPT] detailed prompt|caption
	imagePromptRe = regexp.MustCompile(`(?im)^\s*\[IMAGE_PROMPT\]\s*(.+)$`)

	// Ordinal prefixes models like to add: "1. ", "2) ", "- ", "• "
	ordinalRe = regexp.MustCompile(`^\s*(?:\d+[.)]\s*|[-•*]\s*)`)
)

// Parse extracts all markup from a raw model reply.
func Parse(raw string) Reply {
	r := Reply{Text: raw}

	if m := actionsRe.FindStringSubmatch(r.Text); m != nil {
		r.Actions = splitActions(m[1])
		r.Text = actionsRe.ReplaceAllString(r.Text, "")
	} else if m := actionsLooseRe.FindStringSubmatch(r.Text); m != nil {
		r.Actions = splitActions(m[1])
		r.Ambiguous = true
		r.Text = actionsLooseRe.ReplaceAllString(r.Text, "")
	}

	if m := imagePromptRe.FindStringSubmatch(r.Text); m != nil {
		prompt, caption, ok := strings.Cut(m[1], "|")
		r.ImagePrompt = strings.TrimSpace(prompt)
		if ok {
			r.ImageCaption = strings.TrimSpace(caption)
		}
		r.Text = imagePromptRe.ReplaceAllString(r.Text, "")
	} else if m := imageRe.FindStringSubmatch(r.Text); m != nil {
		r.ImagePrompt = strings.TrimSpace(m[1])
		r.Text = imageRe.ReplaceAllString(r.Text, "")
	}

	r.Text = tidy(r.Text)
	return r
}

func splitActions(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, MaxActions)
	for _, p := range parts {
		a := strings.TrimSpace(ordinalRe.ReplaceAllString(strings.TrimSpace(p), ""))
		if a == "" {
			continue
		}
		out = append(out, a)
		if len(out) == MaxActions {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// tidy collapses the whitespace holes left behind by markup removal.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
