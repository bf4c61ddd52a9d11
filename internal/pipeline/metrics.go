package pipeline

import "sync/atomic"

// Metrics are process-lifetime counters exposed by the status endpoint.
type Metrics struct {
	Processed      atomic.Int64
	OrdersCreated  atomic.Int64
	ReviewRequired atomic.Int64
	Failed         atomic.Int64
	Corrections    atomic.Int64
}

// Snapshot returns the counters as a plain map for serialization.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"processed":       m.Processed.Load(),
		"orders_created":  m.OrdersCreated.Load(),
		"review_required": m.ReviewRequired.Load(),
		"failed":          m.Failed.Load(),
		"corrections":     m.Corrections.Load(),
	}
}
