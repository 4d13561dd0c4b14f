// Package metrics provides Prometheus instrumentation for veriforge.
package metrics

import "time"

// VerificationRequest records the intake decision for one submission.
func VerificationRequest(result string) {
	if !enabled {
		return
	}
	verificationTotal.WithLabelValues(result).Inc()
}

// JobOutcome records a verification job reaching a terminal status.
func JobOutcome(status, language string) {
	if !enabled {
		return
	}
	jobOutcomeTotal.WithLabelValues(status, language).Inc()
}

// JobDuration records the end-to-end duration of a verification job.
func JobDuration(language string, d time.Duration) {
	if !enabled {
		return
	}
	jobDuration.WithLabelValues(language).Observe(d.Seconds())
}

// OutcomePublished records a published outcome notification.
func OutcomePublished(status string) {
	if !enabled {
		return
	}
	publishTotal.WithLabelValues(status).Inc()
}
