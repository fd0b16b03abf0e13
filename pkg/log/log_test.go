package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMergeFielders(t *testing.T) {
	merged := mergeFielders(Fields{"a": 1}, nil, Fields{"b": 2}, Err(errors.New("boom")))
	require.Equal(t, 1, merged["a"])
	require.Equal(t, 2, merged["2.b"])
	require.Equal(t, "boom", merged["3.error"])
	require.Equal(t, "*errors.errorString", merged["3.type"])
}

func TestMergeFieldersDoesNotMutateInput(t *testing.T) {
	first := Fields{"a": 1}
	mergeFielders(first, Fields{"b": 2})
	require.Len(t, first, 1)
}

func TestDebugGate(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormatter(&logrus.JSONFormatter{})
	defer SetDebug(false)

	SetDebug(false)
	Debug("hidden")
	require.Empty(t, buf.String())

	SetDebug(true)
	Debug("shown", Fields{"k": "v"})
	require.Contains(t, buf.String(), `"msg":"shown"`)
	require.Contains(t, buf.String(), `"k":"v"`)
}
