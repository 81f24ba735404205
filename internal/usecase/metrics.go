package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	Strategy                   string  `json:"strategy"`
	TotalRequests              int64   `json:"total_requests"`
	VerifiedRequests           int64   `json:"verified_requests"`
	VerifiedRate               float64 `json:"verified_rate"`
	AverageScore               float64 `json:"average_score"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates verification metrics from persisted logs.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		Strategy:                   string(uc.verifier.Strategy()),
		TotalRequests:              aggregation.TotalCount,
		VerifiedRequests:           aggregation.VerifiedCount,
		AverageScore:               aggregation.AverageScore,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.VerifiedRate = float64(aggregation.VerifiedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
