package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_CounterIncrements(t *testing.T) {
	r := New()
	assert.EqualValues(t, 1, r.Inc(FragmentsReceived, 1))
	assert.EqualValues(t, 4, r.Inc(FragmentsReceived, 3))
	assert.EqualValues(t, 4, r.Count(FragmentsReceived))
	assert.EqualValues(t, 0, r.Count(FragmentsSent), "independent keys start at zero")
}

func Test_GaugeSetOverwrites(t *testing.T) {
	r := New()
	r.Set(ActiveBuffers, 3)
	r.Set(ActiveBuffers, 5)
	assert.EqualValues(t, 5, r.GaugeValue(ActiveBuffers))
}

func Test_Snapshot(t *testing.T) {
	r := New()
	r.Inc(EventsReleased, 10)
	r.Set(PendingBuffers, 2)

	snap := r.Snapshot()
	assert.EqualValues(t, 10, snap.Counters[EventsReleased])
	assert.EqualValues(t, 2, snap.Gauges[PendingBuffers])
}
