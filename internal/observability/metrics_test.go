package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetStateIsOneHot(t *testing.T) {
	all := []string{"Idle", "Running", "Error"}
	SetState("Running", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(CurrentState.WithLabelValues("Running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CurrentState.WithLabelValues("Idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CurrentState.WithLabelValues("Error")))

	SetState("Error", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(CurrentState.WithLabelValues("Running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CurrentState.WithLabelValues("Error")))
}
