package mmt

// Handler receives decoded events in stream order.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Decoder turns raw transport bytes into events. Chunk boundaries carry no
// meaning; a Decoder buffers partial units itself. Push is not safe for
// concurrent use and events are delivered synchronously from within Push.
type Decoder interface {
	Push(chunk []byte) error
}

// NewDecoderFunc creates a Decoder that delivers to h. Each demux session
// and each seek probe gets its own Decoder.
type NewDecoderFunc func(h Handler) Decoder
