package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectBatch(t *testing.T, d *Debouncer) []Event {
	t.Helper()
	select {
	case batch := <-d.Events():
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no batch emitted")
		return nil
	}
}

func TestDebouncer_EmitsAfterQuietWindow(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(Event{Path: "a.go", Op: OpModify})
	batch := collectBatch(t, d)

	require.Len(t, batch, 1)
	assert.Equal(t, "a.go", batch[0].Path)
}

func TestDebouncer_CoalescesSamePath(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	d.Add(Event{Path: "a.go", Op: OpModify})
	d.Add(Event{Path: "a.go", Op: OpModify})
	d.Add(Event{Path: "a.go", Op: OpModify})

	batch := collectBatch(t, d)
	assert.Len(t, batch, 1)
}

func TestCoalesce_Rules(t *testing.T) {
	tests := []struct {
		first, second Op
		want          Op
		drop          bool
	}{
		{OpCreate, OpModify, OpCreate, false},
		{OpCreate, OpDelete, 0, true},
		{OpModify, OpDelete, OpDelete, false},
		{OpDelete, OpCreate, OpModify, false},
		{OpModify, OpModify, OpModify, false},
	}
	for _, tt := range tests {
		got, drop := coalesce(tt.first, tt.second)
		assert.Equal(t, tt.drop, drop)
		if !drop {
			assert.Equal(t, tt.want, got)
		}
	}
}

func TestDebouncer_CreateThenDeleteCancels(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(Event{Path: "ghost.go", Op: OpCreate})
	d.Add(Event{Path: "ghost.go", Op: OpDelete})
	d.Add(Event{Path: "real.go", Op: OpModify})

	batch := collectBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, "real.go", batch[0].Path)
}

func TestDebouncer_StopClosesChannel(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	d.Stop()

	_, open := <-d.Events()
	assert.False(t, open)
}

func TestDebouncer_AddAfterStopIsNoop(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	d.Stop()
	d.Add(Event{Path: "late.go", Op: OpModify})
}
