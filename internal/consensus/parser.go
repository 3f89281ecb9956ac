package consensus

import (
	"regexp"
	"strings"
)

// Agents are asked for between minNonNegotiables and maxNonNegotiables hard
// requirements; the parser enforces only the cap, so a rambling response
// cannot blow up the synthesis prompt.
const (
	minNonNegotiables = 3
	maxNonNegotiables = 5
)

var numberedItem = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)

// ParseNonNegotiables extracts numbered list items ("1. ..." or "1) ...")
// from an agent response, capped at maxNonNegotiables. If the response has no
// numbered items at all, the whole trimmed response is treated as a single
// requirement rather than discarded.
func ParseNonNegotiables(response string) []string {
	var items []string
	for _, line := range strings.Split(response, "\n") {
		m := numberedItem.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := strings.TrimSpace(m[1])
		if item == "" {
			continue
		}
		items = append(items, item)
		if len(items) == maxNonNegotiables {
			break
		}
	}

	if len(items) == 0 {
		if trimmed := strings.TrimSpace(response); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// Vote is one agent's parsed verdict on a synthesis.
type Vote struct {
	Approve bool
	Reason  string
}

var (
	voteMarker   = regexp.MustCompile(`(?im)^\s*VOTE:\s*(APPROVE|REJECT)\b`)
	reasonMarker = regexp.MustCompile(`(?im)^\s*REASON:\s*(.+)$`)
)

// ParseVote reads an agent's voting response leniently. A "VOTE: APPROVE" or
// "VOTE: REJECT" marker wins; without one, any occurrence of "APPROVE" counts
// as approval, and everything else is a rejection. Rejections without a
// parseable REASON line fall back to the whole response as the reason.
func ParseVote(response string) Vote {
	var v Vote

	if m := voteMarker.FindStringSubmatch(response); m != nil {
		v.Approve = strings.EqualFold(m[1], "APPROVE")
	} else {
		v.Approve = strings.Contains(strings.ToUpper(response), "APPROVE")
	}

	if v.Approve {
		return v
	}

	if m := reasonMarker.FindStringSubmatch(response); m != nil {
		v.Reason = strings.TrimSpace(m[1])
	} else {
		v.Reason = strings.TrimSpace(response)
	}
	return v
}
