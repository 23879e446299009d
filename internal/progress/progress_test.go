package progress

import (
	"bytes"
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musthaq16/vehicle-route-simulator/internal/simulator"
)

func fixedClock(t *Tracker, start time.Time, step time.Duration) {
	now := start
	t.now = func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestTracker_Lifecycle(t *testing.T) {
	tr := NewTracker()
	tr.Start("2", 1)
	tr.Start("1", 2)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "1", snap[0].State.VehicleID)
	assert.Equal(t, StatusPending, snap[0].Status)

	tr.Update(simulator.PlaybackState{VehicleID: "1", Phase: simulator.Interpolating, Waypoint: 3, Records: 12})
	tr.Finish("2", errors.New("insert failed"))

	snap = tr.Snapshot()
	assert.Equal(t, StatusRunning, snap[0].Status)
	assert.Equal(t, 12, snap[0].State.Records)
	assert.Equal(t, 2, snap[0].Laps)
	assert.Equal(t, StatusFailed, snap[1].Status)
	assert.EqualError(t, snap[1].Err, "insert failed")
	assert.False(t, snap[1].EndedAt.IsZero())

	tr.Update(simulator.PlaybackState{VehicleID: "1", Phase: simulator.Finished, CompletedLaps: 2, Records: 40})
	tr.Finish("1", nil)
	assert.Equal(t, StatusFinished, tr.Snapshot()[0].Status)
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Update(simulator.PlaybackState{VehicleID: "1", Records: 1})

	snap := tr.Snapshot()
	snap[0].State.Records = 99
	assert.Equal(t, 1, tr.Snapshot()[0].State.Records)
}

func TestTracker_Render(t *testing.T) {
	tr := NewTracker()
	fixedClock(tr, time.Unix(0, 0), 30*time.Second)
	tr.Start("1", 2)
	tr.Update(simulator.PlaybackState{VehicleID: "1", Phase: simulator.Finished, CompletedLaps: 2, Records: 40})
	tr.Finish("1", nil)
	tr.Start("2", 1)
	tr.Update(simulator.PlaybackState{VehicleID: "2", Waypoint: 4, Records: 2})
	tr.Finish("2", errors.New("store unavailable"))

	var b bytes.Buffer
	tr.Render(&b)
	out := b.String()

	assert.Contains(t, out, "VEHICLE")
	assert.Contains(t, out, "2/2")
	assert.Contains(t, out, "0/1")
	assert.Contains(t, out, "30s")
	assert.Contains(t, out, "failed: store unavailable")
	assert.Contains(t, out, "42")
}

func TestWithSignalHandler(t *testing.T) {
	ctx, cancel := WithSignalHandler(context.Background())
	defer cancel()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}
