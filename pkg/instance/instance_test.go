package instance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"running", StatusRunning, false},
		{"scheduled_to_start", StatusScheduledToStart, false},
		{"error", StatusError, false},
		{"deleted", StatusUnknown, true},
		{"", StatusUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStatus(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecordError(t *testing.T) {
	inst := New("vm-1", "vm-1", StatusStopping)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	prev := inst.RecordError(errors.New("delete failed"), at)

	assert.Equal(t, StatusStopping, prev)
	assert.Equal(t, StatusError, inst.Status)
	require.Len(t, inst.Errors, 1)
	assert.Equal(t, "delete failed", inst.Errors[0].Message)
	assert.Equal(t, at, inst.Errors[0].At)

	last, ok := inst.LastError()
	require.True(t, ok)
	assert.Equal(t, "delete failed", last.Message)
}

func TestSnapshotIsIndependent(t *testing.T) {
	inst := New("vm-1", "vm-1", StatusRunning)
	inst.RecordError(errors.New("first"), time.Now())

	snap := inst.Snapshot()
	inst.RecordError(errors.New("second"), time.Now())
	inst.SetStatus(StatusRunning)

	assert.Equal(t, StatusError, snap.Status)
	assert.Len(t, snap.Errors, 1)
	assert.Len(t, inst.Errors, 2)
}
