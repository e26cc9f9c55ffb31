package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sweepmonk/sweepmonk/internal/metrics"
)

func collectors() []struct {
	name string
	c    prometheus.Collector
} {
	return []struct {
		name string
		c    prometheus.Collector
	}{
		{"sweepmonk_messages_evaluated_total", metrics.MessagesEvaluated},
		{"sweepmonk_rule_matches_total", metrics.RuleMatches},
		{"sweepmonk_rules_loaded", metrics.RulesLoaded},
		{"sweepmonk_rules_invalid_total", metrics.RulesInvalid},
		{"sweepmonk_violations_recorded_total", metrics.ViolationsRecorded},
		{"sweepmonk_probation_transitions_total", metrics.Transitions},
		{"sweepmonk_action_calls_total", metrics.ActionCalls},
		{"sweepmonk_action_duration_seconds", metrics.ActionDuration},
		{"sweepmonk_pending_probations", metrics.PendingProbations},
		{"sweepmonk_armed_timers", metrics.ArmedTimers},
		{"sweepmonk_sweep_duration_seconds", metrics.SweepDuration},
		{"sweepmonk_sweep_resolved_total", metrics.SweepResolved},
		{"sweepmonk_jobs_enqueued_total", metrics.JobsEnqueued},
		{"sweepmonk_jobs_dropped_total", metrics.JobsDropped},
		{"sweepmonk_jobs_processed_total", metrics.JobsProcessed},
		{"sweepmonk_worker_queue_depth", metrics.WorkerQueueDepth},
		{"sweepmonk_db_size_bytes", metrics.DBSizeBytes},
	}
}

// TestMetricCollectorsLint verifies every package-level collector is non-nil
// and passes Prometheus linting rules.
func TestMetricCollectorsLint(t *testing.T) {
	for _, tc := range collectors() {
		t.Run(tc.name, func(t *testing.T) {
			if tc.c == nil {
				t.Fatal("collector is nil")
			}
			lintErrs, err := testutil.CollectAndLint(tc.c)
			if err != nil {
				t.Errorf("CollectAndLint gather error: %v", err)
			}
			if len(lintErrs) > 0 {
				t.Errorf("prometheus lint errors: %v", lintErrs)
			}
		})
	}
}

// TestMetricNamesAndHelp uses Describe() so Vec metrics with no observations
// are still checked.
func TestMetricNamesAndHelp(t *testing.T) {
	for _, tc := range collectors() {
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 32)
			go func() {
				tc.c.Describe(ch)
				close(ch)
			}()

			found := false
			for d := range ch {
				s := d.String()
				if strings.Contains(s, `"`+tc.name+`"`) {
					found = true
					if strings.Contains(s, `help: ""`) {
						t.Errorf("descriptor for %s has an empty help string", tc.name)
					}
				}
			}
			if !found {
				t.Errorf("no descriptor named %q returned by Describe()", tc.name)
			}
		})
	}
}
