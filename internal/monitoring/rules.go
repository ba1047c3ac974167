package monitoring

import (
	"fmt"
	"time"
)

// AlertType identifies the condition an alert reports.
type AlertType string

const (
	AlertScanFailureRate AlertType = "scan_failure_rate"
	AlertBatchFailure    AlertType = "batch_failure"
	AlertCostOverrun     AlertType = "cost_overrun"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// minFinishedScans is the sample size below which the failure rate is not
// judged.
const minFinishedScans = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// Thresholds are the limits a HealthSnapshot is judged against. A zero
// CostUSD disables the cost rule.
type Thresholds struct {
	FailureRate float64
	CostUSD     float64
}

type rule func(t Thresholds, s *HealthSnapshot) (Alert, bool)

var rules = []rule{scanFailureRule, batchFailureRule, costRule}

// Evaluate returns an alert for every rule snap breaches, in rule order.
func Evaluate(t Thresholds, snap *HealthSnapshot) []Alert {
	var out []Alert
	for _, r := range rules {
		a, ok := r(t, snap)
		if !ok {
			continue
		}
		a.At = snap.CollectedAt
		out = append(out, a)
	}
	return out
}

// scanFailureRule fires when too many finished scans failed. Twice the
// threshold is critical.
func scanFailureRule(t Thresholds, s *HealthSnapshot) (Alert, bool) {
	finished := s.ScansCompleted + s.ScansFailed
	if finished < minFinishedScans || s.ScanFailRate <= t.FailureRate {
		return Alert{}, false
	}
	sev := SeverityWarning
	if s.ScanFailRate >= 2*t.FailureRate {
		sev = SeverityCritical
	}
	return Alert{
		Type:     AlertScanFailureRate,
		Severity: sev,
		Message: fmt.Sprintf("%d of %d scans failed in the last %dh (%.1f%%, limit %.1f%%)",
			s.ScansFailed, finished, s.LookbackHours, s.ScanFailRate*100, t.FailureRate*100),
		Value:     s.ScanFailRate,
		Threshold: t.FailureRate,
	}, true
}

// batchFailureRule fires on any failed batch. It is critical when no batch
// in the window completed.
func batchFailureRule(_ Thresholds, s *HealthSnapshot) (Alert, bool) {
	if s.BatchesFailed == 0 {
		return Alert{}, false
	}
	sev := SeverityWarning
	if s.BatchesCompleted == 0 {
		sev = SeverityCritical
	}
	return Alert{
		Type:     AlertBatchFailure,
		Severity: sev,
		Message: fmt.Sprintf("%d of %d batches failed in the last %dh",
			s.BatchesFailed, s.BatchesTotal, s.LookbackHours),
		Value: float64(s.BatchesFailed),
	}, true
}

func costRule(t Thresholds, s *HealthSnapshot) (Alert, bool) {
	if t.CostUSD <= 0 || s.CostUSD <= t.CostUSD {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostOverrun,
		Severity: SeverityWarning,
		Message: fmt.Sprintf("provider spend $%.2f over the last %dh exceeds $%.2f",
			s.CostUSD, s.LookbackHours, t.CostUSD),
		Value:     s.CostUSD,
		Threshold: t.CostUSD,
	}, true
}
