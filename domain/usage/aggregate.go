package usage

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Summary is aggregated usage over a set of events (value type).
type Summary struct {
	Calls            int64           `json:"calls"`
	SummaryCalls     int64           `json:"summaryCalls"`
	PromptTokens     int64           `json:"promptTokens"`
	CompletionTokens int64           `json:"completionTokens"`
	CostUSD          decimal.Decimal `json:"costUsd"`
	ByModel          []ModelSummary  `json:"byModel"`
}

// ModelSummary is the per-model slice of a Summary.
type ModelSummary struct {
	ModelID          string          `json:"modelId"`
	Calls            int64           `json:"calls"`
	PromptTokens     int64           `json:"promptTokens"`
	CompletionTokens int64           `json:"completionTokens"`
	CostUSD          decimal.Decimal `json:"costUsd"`
}

// Aggregate combines events into a summary.
// This is a PURE function.
func Aggregate(events []Event) Summary {
	s := Summary{CostUSD: decimal.Zero}
	perModel := make(map[string]*ModelSummary)

	for _, e := range events {
		if e.IsSummary() {
			s.SummaryCalls++
		} else {
			s.Calls++
		}
		s.PromptTokens += e.PromptTokens
		s.CompletionTokens += e.CompletionTokens
		s.CostUSD = s.CostUSD.Add(e.CostUSD)

		m, ok := perModel[e.ModelID]
		if !ok {
			m = &ModelSummary{ModelID: e.ModelID, CostUSD: decimal.Zero}
			perModel[e.ModelID] = m
		}
		m.Calls++
		m.PromptTokens += e.PromptTokens
		m.CompletionTokens += e.CompletionTokens
		m.CostUSD = m.CostUSD.Add(e.CostUSD)
	}

	for _, m := range perModel {
		s.ByModel = append(s.ByModel, *m)
	}
	sort.Slice(s.ByModel, func(i, j int) bool { return s.ByModel[i].ModelID < s.ByModel[j].ModelID })
	return s
}
