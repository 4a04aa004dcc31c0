package telemetry

import "time"

// Metric is one telemetry observation. ID is the queue row id and is zero
// for readings that have not been buffered.
type Metric struct {
	ID           int64          `json:"-"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Value        float64        `json:"value"`
	Unit         string         `json:"unit"`
	TimestampUTC time.Time      `json:"timestampUtc"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// IDs returns the row ids of buffered metrics, skipping fresh ones.
func IDs(metrics []Metric) []int64 {
	ids := make([]int64, 0, len(metrics))
	for _, m := range metrics {
		if m.ID != 0 {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
