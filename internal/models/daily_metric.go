package models

import "time"

// DailyMetric is a per-user, per-UTC-day rollup of payment outcomes.
// Rows are created lazily on first contribution and only ever updated
// additively; the engine never deletes them.
type DailyMetric struct {
	UserID         string             `json:"userId"`
	Date           time.Time          `json:"date"`
	TotalSalesUSD  float64            `json:"totalSalesUsd"`
	TxCount        int64              `json:"txCount"`
	CompletedCount int64              `json:"completedCount"`
	FailedCount    int64              `json:"failedCount"`
	AssetVolumeUSD map[string]float64 `json:"assetVolumeUsd"`
}

// MetricDay truncates a timestamp to its UTC calendar day, the rollup key
func MetricDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
