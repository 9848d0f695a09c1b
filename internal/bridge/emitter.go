package bridge

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
)

// defaultQueueSize bounds the outbound response queue per connection.
const defaultQueueSize = 256

// Transport is the write side of one client connection. Implementations
// must return an error once the underlying connection is closed.
type Transport interface {
	WriteText(data []byte) error
}

// Emitter serializes responses and writes them to the client transport
// from a single writer goroutine. The queue is bounded and data frames
// are dropped when it is full, so a slow client can never stall the
// shell-read path. Frames are delivered in enqueue order: output queued
// before a teardown response always drains first.
type Emitter struct {
	tr    Transport
	queue chan ServerResponse
	stop  chan struct{}
	done  chan struct{}

	// closed is set once a write fails or the connection is known gone;
	// every later frame is silently dropped rather than raised.
	closed   atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Int64
}

// NewEmitter starts an emitter writing to tr. queueSize <= 0 selects the
// default.
func NewEmitter(tr Transport, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	e := &Emitter{
		tr:    tr,
		queue: make(chan ServerResponse, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.writeLoop()
	return e
}

// Connected reports the assigned session identifier.
func (e *Emitter) Connected(sessionID string) {
	e.send(ServerResponse{Type: TypeConnected, SessionID: sessionID}, false)
}

// Data forwards a chunk of shell output. Droppable under backpressure.
func (e *Emitter) Data(chunk []byte) {
	e.send(ServerResponse{Type: TypeData, Data: string(chunk)}, true)
}

// Error reports a failure to the client.
func (e *Emitter) Error(msg string) {
	e.send(ServerResponse{Type: TypeError, Error: msg}, false)
}

// Disconnected signals session termination.
func (e *Emitter) Disconnected() {
	e.send(ServerResponse{Type: TypeDisconnected}, false)
}

// Dropped returns the number of frames discarded due to a closed
// transport or a full queue.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops the emitter after draining already-queued frames. Safe to
// call more than once. Further sends become no-ops.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

func (e *Emitter) send(r ServerResponse, droppable bool) {
	if e.closed.Load() {
		e.dropped.Add(1)
		return
	}
	if droppable {
		select {
		case e.queue <- r:
		default:
			// Bounded-queue policy: favor liveness of the remote session
			// over delivery of every chunk to a slow client.
			e.dropped.Add(1)
		}
		return
	}
	select {
	case e.queue <- r:
	case <-e.stop:
		e.dropped.Add(1)
	}
}

func (e *Emitter) writeLoop() {
	defer close(e.done)
	for {
		select {
		case r := <-e.queue:
			e.write(r)
		case <-e.stop:
			e.closed.Store(true)
			// Drain frames queued before Close so output ordered ahead
			// of a disconnected response still goes out. Writes may fail
			// if the transport died first; that only increments dropped.
			for {
				select {
				case r := <-e.queue:
					e.write(r)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) write(r ServerResponse) {
	data, err := json.Marshal(r)
	if err != nil {
		// Never propagate serialization failures into the handler.
		log.Printf("[emitter] marshal %s response: %v", r.Type, err)
		return
	}
	if err := e.tr.WriteText(data); err != nil {
		if !e.closed.Swap(true) {
			log.Printf("[emitter] transport write failed, dropping further frames: %v", err)
		}
		e.dropped.Add(1)
	}
}
