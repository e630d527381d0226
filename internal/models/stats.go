package models

// HistoricalPoint is one day of traffic summed across all credentials.
type HistoricalPoint struct {
	Date           string `json:"date"`
	TotalRequests  int64  `json:"total_requests"`
	TotalSuccesses int64  `json:"total_successes"`
	TotalLatency   int64  `json:"total_latency"`
	TotalTokensIn  int64  `json:"total_tokens_in"`
	TotalTokensOut int64  `json:"total_tokens_out"`
}

// RequestDistribution is today's per-model usage of a single credential.
type RequestDistribution struct {
	Name  string     `json:"name"`
	Usage CounterMap `json:"usage"`
}

// GlobalStats is the dashboard aggregate.
type GlobalStats struct {
	Historical          []HistoricalPoint     `json:"historical"`
	HealthStatus        map[string]int64      `json:"health_status"`
	ErrorCodesToday     CounterMap            `json:"error_codes_today"`
	RequestDistribution []RequestDistribution `json:"request_distribution"`
	ModelUsageToday     CounterMap            `json:"model_usage_today"`
}

// LogEntry is one line of the live activity feed.
type LogEntry struct {
	Time  string `json:"time"`
	Msg   string `json:"msg"`
	Level string `json:"level"`
}
