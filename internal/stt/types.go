package stt

import (
	"errors"
	"strings"
)

// ErrNotConnected is returned while the streaming connection is down.
var ErrNotConnected = errors.New("recognizer is not connected")

// TranscriptionResult is one recognition result from the streaming service.
type TranscriptionResult struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// collector buffers final transcripts until the next chunk is submitted.
type collector struct {
	results chan TranscriptionResult
}

func newCollector(size int) *collector {
	return &collector{results: make(chan TranscriptionResult, size)}
}

// offer queues a final result. Interim results are ignored; a full buffer
// drops the result.
func (c *collector) offer(r TranscriptionResult) bool {
	if !r.IsFinal || strings.TrimSpace(r.Text) == "" {
		return false
	}
	select {
	case c.results <- r:
		return true
	default:
		return false
	}
}

// drain returns every queued final transcript joined by spaces.
func (c *collector) drain() string {
	var parts []string
	for {
		select {
		case r := <-c.results:
			parts = append(parts, strings.TrimSpace(r.Text))
		default:
			return strings.Join(parts, " ")
		}
	}
}
