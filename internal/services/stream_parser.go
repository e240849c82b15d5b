package services

import (
	"bytes"
	"encoding/json"

	"github.com/charmbracelet/log"

	"chatclient/internal/logger"
	"chatclient/pkg/chattypes"
)

const (
	recordSeparator = '\n'
	recordMarker    = "data:"
	doneSentinel    = "[DONE]"
)

// StreamParser turns arbitrarily split chunks of the chat stream into frames.
// A record is complete only once its separator has arrived; the tail is kept as residual
// bytes, so records and multi-byte characters split across chunks survive intact.
type StreamParser struct {
	residual []byte
	log      *log.Logger
}

// NewStreamParser creates a parser with an empty residual.
func NewStreamParser() *StreamParser {
	return &StreamParser{log: logger.NewStyledLogger("Stream")}
}

// Feed consumes chunk and returns the frames of every record it completed.
func (p *StreamParser) Feed(chunk []byte) []chattypes.StreamFrame {
	p.residual = append(p.residual, chunk...)

	var frames []chattypes.StreamFrame
	for {
		idx := bytes.IndexByte(p.residual, recordSeparator)
		if idx < 0 {
			break
		}
		record := p.residual[:idx]
		if frame, ok := p.parseRecord(record); ok {
			frames = append(frames, frame)
		}
		p.residual = p.residual[idx+1:]
	}

	if len(p.residual) == 0 {
		p.residual = nil
	}
	return frames
}

// Flush parses a final record left without a separator at end of stream.
func (p *StreamParser) Flush() []chattypes.StreamFrame {
	record := p.residual
	p.residual = nil
	if frame, ok := p.parseRecord(record); ok {
		return []chattypes.StreamFrame{frame}
	}
	return nil
}

// Residual returns the number of buffered bytes not yet forming a complete record.
func (p *StreamParser) Residual() int {
	return len(p.residual)
}

func (p *StreamParser) parseRecord(record []byte) (chattypes.StreamFrame, bool) {
	line := bytes.TrimRight(record, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return chattypes.StreamFrame{}, false
	}
	// Comment lines are keep-alives.
	if line[0] == ':' {
		return chattypes.StreamFrame{}, false
	}
	if !bytes.HasPrefix(line, []byte(recordMarker)) {
		p.log.Warn("Dropping record without data marker", "record", string(line))
		return chattypes.StreamFrame{}, false
	}

	payload := bytes.TrimPrefix(line[len(recordMarker):], []byte(" "))
	if string(bytes.TrimSpace(payload)) == doneSentinel {
		return chattypes.StreamFrame{Done: true}, true
	}

	var frame chattypes.StreamFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		p.log.Warn("Dropping malformed record", "record", string(line), "error", err)
		return chattypes.StreamFrame{}, false
	}
	return frame, true
}
