package bittorrent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var table = []struct {
		data        string
		expected    Event
		expectedErr error
	}{
		{"", None, nil},
		{"NONE", None, nil},
		{"none", None, nil},
		{"started", Started, nil},
		{"stopped", Stopped, nil},
		{"completed", Completed, nil},
		{"notAnEvent", None, ErrUnknownEvent},
	}

	for _, tt := range table {
		got, err := NewEvent(tt.data)
		require.Equal(t, err, tt.expectedErr, "errors should equal the expected value")
		require.Equal(t, got, tt.expected, "events should equal the expected value")
	}
}

func TestEventText(t *testing.T) {
	for _, e := range []Event{None, Started, Stopped, Completed} {
		text, err := e.MarshalText()
		require.Nil(t, err)

		var got Event
		require.Nil(t, got.UnmarshalText(text))
		require.Equal(t, e, got)
	}

	var e Event
	require.Equal(t, ErrUnknownEvent, e.UnmarshalText([]byte("paused")))
}
