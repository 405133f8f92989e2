// Package stream consumes the scraping service's chunked event stream:
// newline-delimited "data: " frames carrying JSON events, terminated by the
// "[DONE]" sentinel.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rs/zerolog"

	perrors "github.com/veridian-labs/prospector/internal/errors"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// Event kinds emitted by the backend.
const (
	KindProgress = "progress"
	KindComplete = "complete"
	KindError    = "error"
)

// PhaseStatus is one entry of the per-phase status list inside a progress event.
type PhaseStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ProgressEvent is one incremental update. Each event carries the complete
// current state, not a delta.
type ProgressEvent struct {
	Phase          string        `json:"phase"`
	PagesCompleted int           `json:"completed"`
	PagesTotal     int           `json:"total"`
	Phases         []PhaseStatus `json:"phases,omitempty"`
}

// event is the wire shape of a single data frame.
type event struct {
	Type   string          `json:"type"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	ProgressEvent
}

// Handler receives progress events as they arrive.
type Handler interface {
	OnProgress(ev ProgressEvent)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev ProgressEvent)

func (f HandlerFunc) OnProgress(ev ProgressEvent) { f(ev) }

// Outcome summarizes a fully consumed stream. Err holds a server-emitted
// error event; it never terminates reading early. ParseErrors counts
// malformed frames that were skipped.
type Outcome struct {
	Result      json.RawMessage
	Completed   bool
	Done        bool
	Err         error
	ParseErrors int
}

// Processor reads and dispatches a single event stream.
type Processor struct {
	logger zerolog.Logger
}

// NewProcessor creates a stream processor.
func NewProcessor(logger zerolog.Logger) *Processor {
	return &Processor{logger: logger.With().Str("component", "stream").Logger()}
}

// Run consumes body until EOF, the [DONE] sentinel, or ctx cancellation.
// Progress events are dispatched in arrival order; the complete event is
// captured into the Outcome rather than dispatched mid-stream. A transport
// or context error is returned directly; everything else lands in Outcome.
func (p *Processor) Run(ctx context.Context, body io.Reader, h Handler) (*Outcome, error) {
	out := &Outcome{}
	var pending string // unterminated trailing partial line
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			pending += string(buf[:n])
			for {
				i := strings.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := pending[:i]
				pending = pending[i+1:]
				if p.handleLine(line, out, h) {
					return out, nil
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A final unterminated line is still a complete frame once
				// the transport closes.
				if pending != "" {
					p.handleLine(pending, out, h)
				}
				return out, nil
			}
			return out, err
		}
	}
}

// handleLine processes one complete line. Returns true when the [DONE]
// sentinel ends the stream.
func (p *Processor) handleLine(line string, out *Outcome, h Handler) bool {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return false
	}
	data := strings.TrimPrefix(line, dataPrefix)
	if data == doneSentinel {
		out.Done = true
		return true
	}

	var ev event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		out.ParseErrors++
		p.logger.Warn().Err(err).Str("line", truncate(data, 200)).Msg("skipping malformed stream frame")
		return false
	}

	switch ev.Type {
	case KindProgress:
		if h != nil {
			h.OnProgress(ev.ProgressEvent)
		}
	case KindComplete:
		out.Result = ev.Result
		out.Completed = true
	case KindError:
		// Surfaced to the caller; reading continues until the transport closes.
		out.Err = perrors.NewRemote("scraper", 0, ev.Error)
		p.logger.Warn().Str("error", ev.Error).Msg("stream reported error event")
	default:
		out.ParseErrors++
		p.logger.Warn().Str("type", ev.Type).Msg("skipping unknown stream event type")
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
