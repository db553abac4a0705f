package meter

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu    sync.Mutex
	calls []Readings
	err   error
}

func (r *recordingPublisher) Publish(readings Readings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, readings)
	return r.err
}

func (r *recordingPublisher) published() []Readings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Readings(nil), r.calls...)
}

var base = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

// ingestBurst feeds twelve messages spaced 100µs apart and returns the last arrival time.
func ingestBurst(p *Pipeline, start time.Time) time.Time {
	msgs := []struct{ key, payload string }{
		{"power_returned_l1", "0.000"},
		{"power_returned_l2", "0.000"},
		{"power_returned_l3", "0.512"},
		{"power_delivered_l1", "1.234"},
		{"power_delivered_l2", "0.250"},
		{"power_delivered_l3", "0.000"},
		{"voltage_l1", "230.5"},
		{"voltage_l2", "231.0"},
		{"voltage_l3", "229.8"},
		{"energy_delivered_tariff1", "1000.123"},
		{"energy_delivered_tariff2", "2000.456"},
		{"timestamp", "261018120000S"},
	}
	now := start
	for i, m := range msgs {
		now = start.Add(time.Duration(i) * 100 * time.Microsecond)
		p.Ingest(m.key, []byte(m.payload), now)
	}
	return now
}

func TestTickCommitsOnceAfterQuietWindow(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPipeline(pub)
	last := ingestBurst(p, base)

	action, err := p.Tick(last.Add(5 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
	assert.Empty(t, pub.published())

	action, err = p.Tick(last.Add(20 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ActionCommit, action)

	action, err = p.Tick(last.Add(30 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)

	calls := pub.published()
	require.Len(t, calls, 1)
	r := calls[0]
	require.True(t, r.Valid)
	assert.Equal(t, int64(1234), r.Phases[0].Power)
	assert.Equal(t, int64(250), r.Phases[1].Power)
	assert.Equal(t, int64(-512), r.Phases[2].Power)
	assert.Equal(t, int64(972), r.Power)
	assert.Equal(t, 230.5, r.Phases[0].Voltage)
	assert.Equal(t, 3000.58, r.EnergyForward)
}

func TestTickExpiresAfterStaleTimeout(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPipeline(pub)
	last := ingestBurst(p, base)

	_, err := p.Tick(last.Add(20 * time.Millisecond))
	require.NoError(t, err)

	action, err := p.Tick(last.Add(29 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)

	action, err = p.Tick(last.Add(31 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, ActionExpire, action)

	action, err = p.Tick(last.Add(32 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, ActionExpire, action)

	calls := pub.published()
	require.Len(t, calls, 3)
	assert.True(t, calls[0].Valid)
	assert.Equal(t, Absent(), calls[1])
	assert.Equal(t, calls[1], calls[2])
}

func TestTickWithoutArrivalDoesNothing(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPipeline(pub)
	action, err := p.Tick(base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
	assert.Empty(t, pub.published())
}

func TestTickFreshBurstAfterExpiryCommitsAgain(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPipeline(pub)
	last := ingestBurst(p, base)
	_, err := p.Tick(last.Add(31 * time.Second))
	require.NoError(t, err)

	last = ingestBurst(p, last.Add(40*time.Second))
	action, err := p.Tick(last.Add(11 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ActionCommit, action)

	calls := pub.published()
	require.Len(t, calls, 2)
	assert.True(t, calls[1].Valid)
}

func TestTickMissingReadingSkipsPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPipeline(pub)
	for _, key := range RequiredKeys() {
		if key == "voltage_l2" {
			continue
		}
		p.Ingest(key, []byte("230.0"), base)
	}

	action, err := p.Tick(base.Add(time.Second))
	var missing *MissingReadingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "voltage_l2", missing.Key)
	assert.Equal(t, ActionNone, action)
	assert.Empty(t, pub.published())

	// The burst stays pending, so the failure repeats instead of expiring silently.
	_, err = p.Tick(base.Add(time.Minute))
	require.True(t, errors.As(err, &missing))
}

func TestTickReturnsPublisherError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bus down")}
	p := NewPipeline(pub)
	last := ingestBurst(p, base)
	action, err := p.Tick(last.Add(time.Second))
	assert.Equal(t, ActionCommit, action)
	require.EqualError(t, err, "bus down")
}

func TestPipelineOptions(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPipeline(pub, WithQuietWindow(time.Second), WithStaleTimeout(2*time.Second), WithStaleTimeout(0))
	last := ingestBurst(p, base)

	action, err := p.Tick(last.Add(500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)

	action, err = p.Tick(last.Add(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ActionCommit, action)

	action, err = p.Tick(last.Add(2500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, ActionExpire, action)
}

func TestIngestStoresUnknownKeys(t *testing.T) {
	p := NewPipeline(nil)
	p.Ingest("equipment_id", []byte("4530303433303036"), base)
	p.Ingest("equipment_id", []byte("E0043006"), base.Add(time.Second))

	v, ok := p.Reading("equipment_id")
	require.True(t, ok)
	s, ok := v.Str()
	require.True(t, ok)
	assert.Equal(t, "E0043006", s)

	last, ok := p.LastArrival()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), last)
}

func TestPipelineConcurrentIngestAndTick(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewPipeline(pub, WithQuietWindow(time.Nanosecond))
	for _, key := range RequiredKeys() {
		p.Ingest(key, []byte("1.0"), base)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			p.Ingest("power_delivered_l1", []byte(strconv.Itoa(i)+".5"), base)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_, err := p.Tick(base.Add(time.Millisecond))
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	for _, r := range pub.published() {
		assert.True(t, r.Valid)
	}
}
