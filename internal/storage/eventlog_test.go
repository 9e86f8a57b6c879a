package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/event"
)

func testEvent(typ event.Type, ts float64) event.Event {
	return event.Event{
		TS:       ts,
		Type:     typ,
		OutletID: "outlet1",
		CameraID: "cam1",
		TargetID: "alice",
		Details:  map[string]any{},
	}
}

func TestEventLogAppendFormat(t *testing.T) {
	dir := t.TempDir()
	l, err := NewEventLog(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(testEvent(event.TypeSeen, 100.5)))
	require.NoError(t, l.Append(testEvent(event.TypeAbsent, 200.5)))

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 2)

	// Each line is one standalone JSON object.
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, "SPG_SEEN", decoded["type"])
	assert.Equal(t, 100.5, decoded["ts"])
	assert.Equal(t, "outlet1", decoded["outlet_id"])
	assert.Equal(t, "cam1", decoded["camera_id"])
	assert.Equal(t, "alice", decoded["target_id"])
}

func TestEventLogAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := NewEventLog(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(testEvent(event.TypeSeen, 1)))
	require.NoError(t, l.Close())

	l, err = NewEventLog(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(testEvent(event.TypeSeen, 2)))
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(raw), "\n"))
}

func TestTailerIncremental(t *testing.T) {
	dir := t.TempDir()
	l, err := NewEventLog(dir)
	require.NoError(t, err)
	defer l.Close()

	tailer := NewTailer(l.Path())

	require.NoError(t, l.Append(testEvent(event.TypeSeen, 1)))
	require.NoError(t, l.Append(testEvent(event.TypeSeen, 2)))

	events, err := tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1.0, events[0].TS)
	assert.Equal(t, 2.0, events[1].TS)

	// No new lines: nothing returned, offset stable.
	events, err = tailer.Next()
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, l.Append(testEvent(event.TypeAbsent, 3)))
	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeAbsent, events[0].Type)
}

func TestTailerMissingFile(t *testing.T) {
	tailer := NewTailer(filepath.Join(t.TempDir(), "nope.jsonl"))
	events, err := tailer.Next()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTailerPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	full, err := testEvent(event.TypeSeen, 1).Marshal()
	require.NoError(t, err)

	// A complete line followed by a half-written one.
	partial := append(append([]byte{}, full...), '\n')
	partial = append(partial, full[:10]...)
	require.NoError(t, os.WriteFile(path, partial, 0o644))

	tailer := NewTailer(path)
	events, err := tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Completing the line makes it visible on the next call.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(append(full[10:], '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err = tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1.0, events[0].TS)
}

func TestTailerSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	good, err := testEvent(event.TypeSeen, 1).Marshal()
	require.NoError(t, err)

	content := "not json at all\n" + string(good) + "\n" + `{"type":"BOGUS"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tailer := NewTailer(path)
	events, err := tailer.Next()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeSeen, events[0].Type)
}
