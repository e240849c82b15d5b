package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatclient/pkg/chattypes"
)

func feedAll(p *StreamParser, chunks ...string) []chattypes.StreamFrame {
	var frames []chattypes.StreamFrame
	for _, chunk := range chunks {
		frames = append(frames, p.Feed([]byte(chunk))...)
	}
	return frames
}

func TestStreamParser_RecordSplitAtEveryOffset(t *testing.T) {
	record := "data: {\"content\":\"héllo 👋 wörld\"}\n"
	want := []chattypes.StreamFrame{{Content: "héllo 👋 wörld"}}

	for i := 1; i < len(record); i++ {
		p := NewStreamParser()
		got := feedAll(p, record[:i], record[i:])
		require.Equal(t, want, got, "split at byte %d", i)
		assert.Zero(t, p.Residual())
	}
}

func TestStreamParser_ByteAtATime(t *testing.T) {
	stream := "data: {\"content\":\"A\"}\ndata: {\"content\":\"ß\"}\ndata: {\"content\":\"C\",\"done\":true}\n"

	p := NewStreamParser()
	var frames []chattypes.StreamFrame
	for i := 0; i < len(stream); i++ {
		frames = append(frames, p.Feed([]byte{stream[i]})...)
	}

	assert.Equal(t, []chattypes.StreamFrame{
		{Content: "A"},
		{Content: "ß"},
		{Content: "C", Done: true},
	}, frames)
}

func TestStreamParser_Records(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []chattypes.StreamFrame
	}{
		{
			name:  "several records in one chunk",
			input: "data: {\"content\":\"a\"}\ndata: {\"content\":\"b\"}\n",
			want:  []chattypes.StreamFrame{{Content: "a"}, {Content: "b"}},
		},
		{
			name:  "marker without space",
			input: "data:{\"content\":\"a\"}\n",
			want:  []chattypes.StreamFrame{{Content: "a"}},
		},
		{
			name:  "crlf separators",
			input: "data: {\"content\":\"a\"}\r\n\r\n",
			want:  []chattypes.StreamFrame{{Content: "a"}},
		},
		{
			name:  "blank lines and comments",
			input: "\n: keep-alive\n\ndata: {\"content\":\"a\"}\n",
			want:  []chattypes.StreamFrame{{Content: "a"}},
		},
		{
			name:  "done sentinel",
			input: "data: [DONE]\n",
			want:  []chattypes.StreamFrame{{Done: true}},
		},
		{
			name:  "malformed json is dropped",
			input: "data: {\"content\":\"a\"}\ndata: {broken\ndata: {\"content\":\"b\"}\n",
			want:  []chattypes.StreamFrame{{Content: "a"}, {Content: "b"}},
		},
		{
			name:  "record without marker is dropped",
			input: "event: ping\ndata: {\"content\":\"b\"}\n",
			want:  []chattypes.StreamFrame{{Content: "b"}},
		},
		{
			name:  "incomplete record waits",
			input: "data: {\"content\":\"a\"}\ndata: {\"content\"",
			want:  []chattypes.StreamFrame{{Content: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, feedAll(NewStreamParser(), tt.input))
		})
	}
}

func TestStreamParser_Flush(t *testing.T) {
	p := NewStreamParser()
	assert.Empty(t, feedAll(p, "data: {\"content\":\"tail\"}"))
	assert.Equal(t, len("data: {\"content\":\"tail\"}"), p.Residual())

	assert.Equal(t, []chattypes.StreamFrame{{Content: "tail"}}, p.Flush())
	assert.Zero(t, p.Residual())
	assert.Empty(t, p.Flush())
}

func TestStreamParser_FlushDropsPartialGarbage(t *testing.T) {
	p := NewStreamParser()
	feedAll(p, "data: {\"content\":")
	assert.Empty(t, p.Flush())
}
