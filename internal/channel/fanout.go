/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package channel

import (
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/telemetry"
)

// terminalMarker is the last payload a viewer receives when the channel
// tears down, so clients can distinguish shutdown from a stall.
var terminalMarker = []byte("\x00GRIMNIRTV-EOS\x00")

// fanoutBufferSize holds recent stream bytes so a newly attached viewer
// starts immediately instead of waiting for the next encoder write.
const fanoutBufferSize = 2 << 20 // 2 MiB, a few seconds of transport stream

// Viewer is one attached stream consumer. Ch delivers stream chunks; Done is
// closed when the viewer is detached.
type Viewer struct {
	ID   string
	Ch   chan []byte
	Done chan struct{}

	mu     sync.Mutex
	closed bool
}

func (v *Viewer) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	close(v.Done)
}

// send delivers one chunk, dropping it when the viewer is slow. Viewers stay
// on the shared encoder timeline; a laggard skips bytes rather than building
// its own delay.
func (v *Viewer) send(data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	select {
	case v.Ch <- data:
	default:
	}
}

// Fanout distributes one encoder's output to all attached viewers. All
// viewers see identical bytes; there is no per-viewer seeking.
type Fanout struct {
	channelID string
	logger    zerolog.Logger
	bus       *events.Bus

	mu      sync.RWMutex
	viewers map[string]*Viewer
	buffer  *ringBuffer
}

func newFanout(channelID string, logger zerolog.Logger, bus *events.Bus) *Fanout {
	return &Fanout{
		channelID: channelID,
		logger:    logger.With().Str("component", "fanout").Str("channel_id", channelID).Logger(),
		bus:       bus,
		viewers:   make(map[string]*Viewer),
		buffer:    newRingBuffer(fanoutBufferSize),
	}
}

// Attach registers a viewer and primes it with recently broadcast bytes.
func (f *Fanout) Attach(viewerID string) *Viewer {
	v := &Viewer{
		ID:   viewerID,
		Ch:   make(chan []byte, 256),
		Done: make(chan struct{}),
	}

	f.mu.Lock()
	f.viewers[viewerID] = v
	count := len(f.viewers)
	f.mu.Unlock()

	if recent := f.buffer.Recent(256 << 10); len(recent) > 0 {
		v.send(recent)
	}

	telemetry.ViewersGauge.WithLabelValues(f.channelID).Set(float64(count))
	f.publishStats(count, "tune_in")
	return v
}

// Detach removes a viewer. Idempotent.
func (f *Fanout) Detach(viewerID string) {
	f.mu.Lock()
	v, ok := f.viewers[viewerID]
	if ok {
		delete(f.viewers, viewerID)
	}
	count := len(f.viewers)
	f.mu.Unlock()

	if !ok {
		return
	}
	v.close()
	telemetry.ViewersGauge.WithLabelValues(f.channelID).Set(float64(count))
	f.publishStats(count, "tune_out")
}

// Broadcast sends one chunk to every viewer and records it for late joiners.
func (f *Fanout) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}
	f.buffer.Write(data)

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, v := range f.viewers {
		v.send(data)
	}
}

// FeedFrom pumps an encoder's output into the fanout until EOF or error.
func (f *Fanout) FeedFrom(r io.Reader) {
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			f.Broadcast(data)
		}
		if err != nil {
			if err != io.EOF {
				f.logger.Debug().Err(err).Msg("encoder feed ended")
			}
			return
		}
	}
}

// Count returns the number of attached viewers.
func (f *Fanout) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.viewers)
}

// Terminate sends the terminal marker and drops every viewer.
func (f *Fanout) Terminate() {
	f.mu.Lock()
	dropped := f.viewers
	f.viewers = make(map[string]*Viewer)
	f.mu.Unlock()

	for _, v := range dropped {
		v.send(terminalMarker)
		v.close()
	}
	f.buffer.Clear()
	telemetry.ViewersGauge.WithLabelValues(f.channelID).Set(0)
	if len(dropped) > 0 {
		f.publishStats(0, "terminate")
	}
}

func (f *Fanout) publishStats(count int, event string) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(events.EventViewerStats, events.Payload{
		"channel_id": f.channelID,
		"viewers":    count,
		"event":      event,
	})
}

// ringBuffer keeps the most recent stream bytes for priming new viewers.
type ringBuffer struct {
	mu   sync.RWMutex
	data []byte
	size int
	pos  int
	full bool
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{data: make([]byte, size), size: size}
}

func (rb *ringBuffer) Write(p []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for _, b := range p {
		rb.data[rb.pos] = b
		rb.pos = (rb.pos + 1) % rb.size
		if rb.pos == 0 {
			rb.full = true
		}
	}
}

func (rb *ringBuffer) Recent(n int) []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	avail := rb.pos
	if rb.full {
		avail = rb.size
	}
	if n > avail {
		n = avail
	}
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	start := (rb.pos - n + rb.size) % rb.size
	for i := 0; i < n; i++ {
		out[i] = rb.data[(start+i)%rb.size]
	}
	return out
}

func (rb *ringBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.pos = 0
	rb.full = false
}
