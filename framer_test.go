package shpreactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"shpreactor/errors"
)

func TestFramerFeed(t *testing.T) {
	tests := []struct {
		name    string
		reads   []string
		status  frameStatus
		request string
		err     error
	}{
		{name: "single read", reads: []string{"ping\r\n"}, status: frameComplete, request: "ping"},
		{name: "split across reads", reads: []string{"pi", "ng"}, status: frameIncomplete, request: "ping"},
		{name: "terminator split between reads", reads: []string{"ping\r", "\n"}, status: frameComplete, request: "ping"},
		{name: "empty line", reads: []string{"\r\n"}, status: frameComplete, request: ""},
		{name: "trailing bytes dropped", reads: []string{"a\r\nb\r\n"}, status: frameComplete, request: "a"},
		{name: "lone CR is payload", reads: []string{"a\rb\r\n"}, status: frameComplete, request: "a\rb"},
		{name: "double CR keeps one", reads: []string{"a\r\r\n"}, status: frameComplete, request: "a\r"},
		{name: "bare LF is payload", reads: []string{"a\nb\r\n"}, status: frameComplete, request: "a\nb"},
		{name: "ctrl-c aborts", reads: []string{"abc\x03def\r\n"}, status: frameAbort, request: "abc", err: errors.ErrConnectionClosed},
		{name: "ctrl-c alone", reads: []string{"\x03"}, status: frameAbort, request: "", err: errors.ErrConnectionClosed},
		{name: "utf-8 passes through", reads: []string{"你好，世界\r\n"}, status: frameComplete, request: "你好，世界"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFramer(0)
			defer f.release()

			var (
				status frameStatus
				err    error
			)
			for _, r := range tt.reads {
				status, err = f.feed([]byte(r))
				if status != frameIncomplete {
					break
				}
			}
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.request, string(f.bytes()))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFramerMaxSize(t *testing.T) {
	f := newFramer(4)
	defer f.release()

	status, err := f.feed([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, frameIncomplete, status)

	status, err = f.feed([]byte("e"))
	assert.Equal(t, frameAbort, status)
	assert.ErrorIs(t, err, errors.ErrRequestTooLarge)
}

func TestFramerReset(t *testing.T) {
	f := newFramer(0)
	defer f.release()

	_, _ = f.feed([]byte("left\r"))
	f.reset()
	status, err := f.feed([]byte("\nright\r\n"))
	require.NoError(t, err)
	assert.Equal(t, frameComplete, status)
	assert.Equal(t, "\nright", string(f.bytes()))
}
