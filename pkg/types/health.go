package types

import "time"

// LatencyPercentiles are delivery latencies over the rolling window.
type LatencyPercentiles struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	P99 time.Duration `json:"p99"`
}

// ProcessStats is a point-in-time sample of the serving process.
type ProcessStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	RSS        string  `json:"rss"`
	Goroutines int     `json:"goroutines"`
}

// HealthSnapshot is the metrics view exposed to operational tooling.
type HealthSnapshot struct {
	Status            string                  `json:"status"`
	Connections       int                     `json:"connections"`
	Degraded          int                     `json:"degraded"`
	Latency           LatencyPercentiles      `json:"latency"`
	ThroughputPerSec  float64                 `json:"throughputPerSec"`
	ErrorRate         float64                 `json:"errorRate"`
	FeatureErrorRates map[FeatureType]float64 `json:"featureErrorRates"`
	Breakers          []CircuitBreakerState   `json:"breakers"`
	Duplicates        uint64                  `json:"duplicates"`
	Dropped           map[string]uint64       `json:"dropped"`
	Process           *ProcessStats           `json:"process,omitempty"`
	GeneratedAt       time.Time               `json:"generatedAt"`
}
