package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func find(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not gathered", name)
	return nil
}

func labelled(f *dto.MetricFamily, pairs ...string) *dto.Metric {
	for _, metric := range f.GetMetric() {
		values := map[string]string{}
		for _, l := range metric.GetLabel() {
			values[l.GetName()] = l.GetValue()
		}
		match := true
		for i := 0; i+1 < len(pairs); i += 2 {
			if values[pairs[i]] != pairs[i+1] {
				match = false
			}
		}
		if match {
			return metric
		}
	}
	return nil
}

func TestCountersByOutcome(t *testing.T) {
	m := New()
	m.Autosave(nil)
	m.Autosave(nil)
	m.Autosave(errors.New("503"))
	m.Export("pdf", nil)
	m.Assembly(OutcomeNotReady)

	autosave := find(t, m, "lexdraft_autosave_total")
	assert.Equal(t, 2.0, labelled(autosave, "outcome", "success").GetCounter().GetValue())
	assert.Equal(t, 1.0, labelled(autosave, "outcome", "failure").GetCounter().GetValue())

	exports := find(t, m, "lexdraft_export_total")
	assert.Equal(t, 1.0, labelled(exports, "format", "pdf", "outcome", "success").GetCounter().GetValue())

	assembly := find(t, m, "lexdraft_assembly_total")
	assert.Equal(t, 1.0, labelled(assembly, "outcome", "not_ready").GetCounter().GetValue())
}

func TestPollAndSessions(t *testing.T) {
	m := New()
	m.PollFinished("found", 3)
	m.PollFinished("exhausted", 20)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.Equal(t, 23.0, find(t, m, "lexdraft_poll_attempts_total").GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, labelled(find(t, m, "lexdraft_poll_results_total"), "outcome", "found").GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, m, "lexdraft_open_sessions").GetMetric()[0].GetGauge().GetValue())
}

func TestGenerationHistogramAndHandler(t *testing.T) {
	m := New()
	m.Generation("refine", nil, 12*time.Second)

	h := labelled(find(t, m, "lexdraft_section_generation_seconds"), "op", "refine", "outcome", "success")
	require.NotNil(t, h)
	assert.Equal(t, uint64(1), h.GetHistogram().GetSampleCount())
	assert.Equal(t, 12.0, h.GetHistogram().GetSampleSum())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), "lexdraft_section_generation_seconds_bucket"))
}
