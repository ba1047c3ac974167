package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var limits = Thresholds{FailureRate: 0.10, CostUSD: 10}

func TestEvaluate_Healthy(t *testing.T) {
	snap := &HealthSnapshot{
		BatchesTotal:     2,
		BatchesCompleted: 2,
		ScansCompleted:   95,
		ScansFailed:      5,
		ScanFailRate:     0.05,
		CostUSD:          8,
		LookbackHours:    24,
		CollectedAt:      testNow,
	}
	assert.Empty(t, Evaluate(limits, snap))
}

func TestEvaluate_ScanFailureRate(t *testing.T) {
	tests := []struct {
		name     string
		failed   int
		done     int
		severity Severity
	}{
		{"warning", 3, 17, SeverityWarning},
		{"critical", 8, 12, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finished := tt.failed + tt.done
			snap := &HealthSnapshot{
				ScansCompleted: tt.done,
				ScansFailed:    tt.failed,
				ScanFailRate:   float64(tt.failed) / float64(finished),
				LookbackHours:  24,
				CollectedAt:    testNow,
			}
			alerts := Evaluate(limits, snap)
			require.Len(t, alerts, 1)
			assert.Equal(t, AlertScanFailureRate, alerts[0].Type)
			assert.Equal(t, tt.severity, alerts[0].Severity)
			assert.Equal(t, 0.10, alerts[0].Threshold)
			assert.Equal(t, testNow, alerts[0].At)
		})
	}
}

func TestEvaluate_ScanFailureMessage(t *testing.T) {
	alerts := Evaluate(limits, &HealthSnapshot{ScansCompleted: 12, ScansFailed: 8, ScanFailRate: 0.4, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, "8 of 20 scans failed in the last 24h (40.0%, limit 10.0%)", alerts[0].Message)
}

func TestEvaluate_SmallSampleIgnored(t *testing.T) {
	snap := &HealthSnapshot{ScansCompleted: 1, ScansFailed: 3, ScanFailRate: 0.75, LookbackHours: 24}
	assert.Empty(t, Evaluate(limits, snap))
}

func TestEvaluate_BatchFailure(t *testing.T) {
	alerts := Evaluate(limits, &HealthSnapshot{BatchesTotal: 3, BatchesCompleted: 2, BatchesFailed: 1, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBatchFailure, alerts[0].Type)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "1 of 3 batches failed in the last 24h", alerts[0].Message)

	alerts = Evaluate(limits, &HealthSnapshot{BatchesTotal: 1, BatchesFailed: 1, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestEvaluate_Cost(t *testing.T) {
	alerts := Evaluate(limits, &HealthSnapshot{BatchesTotal: 1, BatchesCompleted: 1, CostUSD: 25, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertCostOverrun, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$25.00")
	assert.Equal(t, 25.0, alerts[0].Value)

	assert.Empty(t, Evaluate(Thresholds{FailureRate: 0.1}, &HealthSnapshot{CostUSD: 999, LookbackHours: 24}))
}

func TestEvaluate_RuleOrder(t *testing.T) {
	snap := &HealthSnapshot{
		BatchesTotal:   3,
		BatchesFailed:  1,
		ScansCompleted: 10,
		ScansFailed:    10,
		ScanFailRate:   0.5,
		CostUSD:        30,
		LookbackHours:  24,
	}
	alerts := Evaluate(limits, snap)
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertScanFailureRate, alerts[0].Type)
	assert.Equal(t, AlertBatchFailure, alerts[1].Type)
	assert.Equal(t, AlertCostOverrun, alerts[2].Type)
}
