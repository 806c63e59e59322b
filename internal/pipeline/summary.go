package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/cost-guardian/internal/aggregator"
)

// Summary reports what one batch did.
type Summary struct {
	RecordsIn              int            `json:"records_in"`
	Accepted               int            `json:"accepted"`
	Rejected               map[string]int `json:"rejected"`
	DuplicatesDropped      int            `json:"duplicates_dropped"`
	DeadLetters            int            `json:"dead_letters"`
	DeadLetterKeys         []string       `json:"dead_letter_keys,omitempty"`
	RowsWritten            int            `json:"rows_written"`
	Anomalies              int            `json:"anomalies"`
	Recommendations        int            `json:"recommendations"`
	RecommendationsWritten int            `json:"recommendations_written"`
	Warnings               int            `json:"warnings"`
	TotalCost              float64        `json:"total_cost"`
	Duration               time.Duration  `json:"duration"`
}

// RejectedTotal sums rejections across reasons.
func (s Summary) RejectedTotal() int {
	n := 0
	for _, c := range s.Rejected {
		n += c
	}
	return n
}

// RejectedReasons lists rejection reasons in a stable order.
func (s Summary) RejectedReasons() []string {
	out := make([]string, 0, len(s.Rejected))
	for r := range s.Rejected {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Degraded reports whether the batch succeeded with warnings.
func (s Summary) Degraded() bool { return s.Warnings > 0 }

// parseKey reverses aggregator.Key.String. The date and service ID never
// contain the separator; the account ID takes whatever is left.
func parseKey(s string) (aggregator.Key, bool) {
	dateSep := strings.LastIndex(s, "|")
	if dateSep < 0 {
		return aggregator.Key{}, false
	}
	serviceSep := strings.LastIndex(s[:dateSep], "|")
	if serviceSep < 0 {
		return aggregator.Key{}, false
	}
	return aggregator.Key{
		AccountID: s[:serviceSep],
		ServiceID: s[serviceSep+1 : dateSep],
		UsageDate: s[dateSep+1:],
	}, true
}
