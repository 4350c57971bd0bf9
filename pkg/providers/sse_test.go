package providers

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectSSE(t *testing.T, raw string) []string {
	var events []string
	err := ReadSSE(strings.NewReader(raw), func(data []byte) error {
		events = append(events, string(data))
		return nil
	})
	require.NoError(t, err)
	return events
}

func TestReadSSE(t *testing.T) {
	events := collectSSE(t, "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n")
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, events)
}

func TestReadSSEIgnoresNonDataLines(t *testing.T) {
	raw := ": keep-alive\nevent: message\nid: 7\ndata: {\"a\":1}\n\n"
	events := collectSSE(t, raw)
	assert.Equal(t, []string{`{"a":1}`}, events)
}

func TestReadSSEJoinsMultiLineData(t *testing.T) {
	events := collectSSE(t, "data: line one\ndata: line two\n\n")
	assert.Equal(t, []string{"line one\nline two"}, events)
}

func TestReadSSECRLF(t *testing.T) {
	events := collectSSE(t, "data: {\"a\":1}\r\n\r\ndata: [DONE]\r\n\r\n")
	assert.Equal(t, []string{`{"a":1}`}, events)
}

func TestReadSSEFlushesAtEOF(t *testing.T) {
	// a final event without a trailing blank line still arrives
	events := collectSSE(t, "data: {\"a\":1}\n")
	assert.Equal(t, []string{`{"a":1}`}, events)
}

func TestReadSSEStopsAtDone(t *testing.T) {
	var events []string
	err := ReadSSE(strings.NewReader("data: one\n\ndata: [DONE]\n\ndata: after\n\n"), func(data []byte) error {
		events = append(events, string(data))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, events)
}

func TestReadSSEPropagatesCallbackError(t *testing.T) {
	boom := errors.New("boom")
	err := ReadSSE(strings.NewReader("data: one\n\n"), func(data []byte) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
