package distribution

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/mmtview/internal/demux"
)

// Viewer receives the presentation channel of one stream.
type Viewer interface {
	ID() string
	// Send delivers one encoded message. It must not block.
	Send(msg []byte)
	Stats() ViewerStats
}

// ViewerStats reports delivery counters of one viewer.
type ViewerStats struct {
	ID      string `json:"id"`
	Sent    int64  `json:"sent"`
	Dropped int64  `json:"dropped"`
}

// stateTypes are the message types that describe current state rather than
// an instant. The latest of each is replayed to late joiners.
var stateTypes = []string{"currentEvent", "currentAIT", "applicationService", "updateBIT"}

// Relay is the fan-out hub for a single stream's presentation channel. It
// implements demux.Presentation. Messages are encoded once and shared by
// every viewer. The latest state messages are cached so a viewer that joins
// mid-stream learns the current program and application immediately.
type Relay struct {
	log *slog.Logger

	mu      sync.RWMutex
	viewers map[string]Viewer

	// stateMu is taken before mu.
	stateMu sync.Mutex
	state   map[string][]byte

	messages atomic.Int64
	errors   atomic.Int64
}

// NewRelay creates a Relay with no viewers.
func NewRelay(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:     log.With("component", "relay"),
		viewers: make(map[string]Viewer),
		state:   make(map[string][]byte),
	}
}

func isState(typ string) bool {
	for _, t := range stateTypes {
		if t == typ {
			return true
		}
	}
	return false
}

// Emit encodes m and sends it to every viewer.
func (r *Relay) Emit(m demux.Message) {
	msg, err := demux.MarshalMessage(m)
	if err != nil {
		r.errors.Add(1)
		r.log.Warn("encoding message", "type", m.Type(), "error", err)
		return
	}
	r.messages.Add(1)
	if isState(m.Type()) {
		// Held across the fan-out so a joining viewer either replays this
		// message or is registered in time to receive it.
		r.stateMu.Lock()
		defer r.stateMu.Unlock()
		r.state[m.Type()] = msg
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.viewers {
		v.Send(msg)
	}
}

// AddViewer replays the cached state to the viewer, then registers it for
// live delivery. State messages emitted meanwhile wait for registration.
func (r *Relay) AddViewer(v Viewer) {
	r.stateMu.Lock()
	for _, typ := range stateTypes {
		if msg, ok := r.state[typ]; ok {
			v.Send(msg)
		}
	}
	r.mu.Lock()
	r.viewers[v.ID()] = v
	n := len(r.viewers)
	r.mu.Unlock()
	r.stateMu.Unlock()

	r.log.Info("viewer added", "viewer", v.ID(), "viewers", n)
}

// RemoveViewer unregisters a viewer by ID.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	delete(r.viewers, id)
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer removed", "viewer", id, "viewers", n)
}

// ResetState drops the cached state messages. Called when the stream
// restarts from another position.
func (r *Relay) ResetState() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	clear(r.state)
}

// ViewerCount returns the number of connected viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// ViewerStatsAll returns delivery counters for every connected viewer.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ViewerStats, 0, len(r.viewers))
	for _, v := range r.viewers {
		stats = append(stats, v.Stats())
	}
	return stats
}

// Messages returns the number of messages relayed.
func (r *Relay) Messages() int64 { return r.messages.Load() }

// ChanViewer is a Viewer that queues messages on a buffered channel,
// dropping them when the consumer falls behind.
type ChanViewer struct {
	id      string
	ch      chan []byte
	sent    atomic.Int64
	dropped atomic.Int64
}

// NewChanViewer creates a ChanViewer with a queue of size messages.
func NewChanViewer(id string, size int) *ChanViewer {
	return &ChanViewer{id: id, ch: make(chan []byte, size)}
}

func (v *ChanViewer) ID() string { return v.id }

// Send queues msg, or drops it when the queue is full.
func (v *ChanViewer) Send(msg []byte) {
	select {
	case v.ch <- msg:
		v.sent.Add(1)
	default:
		v.dropped.Add(1)
	}
}

// C returns the message queue.
func (v *ChanViewer) C() <-chan []byte { return v.ch }

func (v *ChanViewer) Stats() ViewerStats {
	return ViewerStats{ID: v.id, Sent: v.sent.Load(), Dropped: v.dropped.Load()}
}
