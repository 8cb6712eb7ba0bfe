package chat

const (
	// charsPerToken is the flat estimation ratio for text.
	charsPerToken = 4

	// imageTokens is the flat per-image cost.
	imageTokens = 1500

	// targetFraction of the context window the pruned history may occupy.
	targetFraction = 0.5

	// DefaultContextWindow is assumed when the model's window is unknown.
	DefaultContextWindow = 200000
)

// EstimateTokens estimates token usage as ceil(chars/4) per message plus a
// flat cost per embedded image.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		chars := len(m.Text) + len(m.Reasoning)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Args)
		}
		for _, r := range m.Results {
			chars += len(r.Content)
		}
		total += (chars + charsPerToken - 1) / charsPerToken
		total += m.Images * imageTokens
	}
	return total
}

// Prune trims whole message groups from the oldest end until estimated usage
// is at or below half the context window. A group is a message together with
// the tool results that answer it, so a tool-call/tool-result pair is never
// split. The newest group always survives.
func Prune(msgs []Message, window int) []Message {
	if window <= 0 {
		window = DefaultContextWindow
	}
	target := int(float64(window) * targetFraction)

	groups := groupMessages(msgs)
	start := 0
	for len(groups)-start > 1 && EstimateTokens(flatten(groups[start:])) > target {
		start++
	}
	return flatten(groups[start:])
}

// groupMessages splits the history into trim units: every message starts a
// group except tool messages, which attach to the assistant message whose
// calls they answer.
func groupMessages(msgs []Message) [][]Message {
	var groups [][]Message
	for _, m := range msgs {
		if m.Role == RoleTool && len(groups) > 0 {
			groups[len(groups)-1] = append(groups[len(groups)-1], m)
			continue
		}
		groups = append(groups, []Message{m})
	}
	return groups
}

func flatten(groups [][]Message) []Message {
	var out []Message
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
