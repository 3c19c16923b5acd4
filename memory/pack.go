package memory

import (
	"fmt"
	"sort"
	"strings"
)

// Selected is one packed injection entry.
type Selected struct {
	Item        *Item   `json:"item"`
	Score       float64 `json:"score"`
	UsedSummary bool    `json:"used_summary"`
	Tokens      int     `json:"tokens"`
}

// Injection is the packed, rendered pre-prompt block.
type Injection struct {
	Items       []Selected `json:"items"`
	TotalTokens int        `json:"total_tokens"`
	Rendered    string     `json:"rendered"`
}

type candidate struct {
	item  *Item
	score float64
}

// pack greedily fills the token budget in score order. An item whose full
// content does not fit falls back to its summary when that fits; otherwise
// it is skipped. Equal scores break on insertion sequence.
func pack(candidates []candidate, budget int) []Selected {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].item.Seq < candidates[j].item.Seq
	})

	var out []Selected
	used := 0
	for _, c := range candidates {
		switch {
		case used+c.item.Tokens <= budget:
			out = append(out, Selected{Item: c.item, Score: c.score, Tokens: c.item.Tokens})
			used += c.item.Tokens
		case c.item.SummaryTokens > 0 && used+c.item.SummaryTokens <= budget:
			out = append(out, Selected{Item: c.item, Score: c.score,
				UsedSummary: true, Tokens: c.item.SummaryTokens})
			used += c.item.SummaryTokens
		}
	}
	return out
}

// render produces the bracketed pre-prompt block in stable order (score
// desc, then id asc) so identical inputs yield identical prompts.
func render(items []Selected) string {
	ordered := append([]Selected(nil), items...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		return ordered[i].Item.ID < ordered[j].Item.ID
	})

	var b strings.Builder
	b.WriteString("[memory]\n")
	for _, s := range ordered {
		text := s.Item.Content
		if s.UsedSummary {
			text = s.Item.Summary
		}
		fmt.Fprintf(&b, "[%s] (%s) %s\n", s.Item.Kind, s.Item.CISource, text)
	}
	b.WriteString("[/memory]")
	return b.String()
}
