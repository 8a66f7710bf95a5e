package post

const (
	MetricLikes       = "likes"
	MetricShares      = "shares"
	MetricReplies     = "replies"
	MetricImpressions = "impressions"
)

// Metrics maps counter names to values.
type Metrics map[string]int64

func DefaultMetrics() Metrics {
	return Metrics{
		MetricLikes:       0,
		MetricShares:      0,
		MetricReplies:     0,
		MetricImpressions: 0,
	}
}

// Merge returns a copy of m with every key in delta set to delta's value.
// Keys absent from delta keep their value. Values are set, never added.
func (m Metrics) Merge(delta Metrics) Metrics {
	out := make(Metrics, len(m)+len(delta))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}
