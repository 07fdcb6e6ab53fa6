package alerts

import "time"

// Sample is the latest observed value of a metric for a host.
type Sample struct {
	Value float64
	Time  time.Time
}

// Evaluate classifies a sample against a threshold using the rule's metric class.
// A nil sample is always unknown.
func (r *Rule) Evaluate(threshold float64, sample *Sample, now time.Time) Outcome {
	if sample == nil {
		return OutcomeUnknown
	}
	if r.IsLiveness() {
		return EvaluateLiveness(sample, now)
	}
	return EvaluateThreshold(r.Comparison, threshold, sample)
}

// EvaluateThreshold applies op to the sample value and threshold.
func EvaluateThreshold(op Operator, threshold float64, sample *Sample) Outcome {
	if sample == nil {
		return OutcomeUnknown
	}
	if op.Compare(sample.Value, threshold) {
		return OutcomeBreach
	}
	return OutcomeClear
}

// EvaluateLiveness breaches when the sample is older than StalenessWindow.
func EvaluateLiveness(sample *Sample, now time.Time) Outcome {
	if sample == nil {
		return OutcomeUnknown
	}
	if now.Sub(sample.Time) > StalenessWindow {
		return OutcomeBreach
	}
	return OutcomeClear
}
