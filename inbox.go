package mcp

import (
	"encoding/json"
	"iter"
	"sync"
)

// inbox buffers the messages a channel received until the session reads them, and
// carries the channel's terminal error.
type inbox struct {
	frames chan json.RawMessage

	done      chan struct{}
	closeOnce sync.Once

	failed   chan struct{}
	failErr  error
	failOnce sync.Once
}

func newInbox(size int) *inbox {
	return &inbox{
		frames: make(chan json.RawMessage, size),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
}

// push queues a received message. It reports false once the inbox was closed locally.
func (b *inbox) push(raw json.RawMessage) bool {
	select {
	case <-b.done:
		return false
	case b.frames <- raw:
		return true
	}
}

// fail ends the inbox with err once every message queued so far is read. Only the
// first call has any effect.
func (b *inbox) fail(err error) {
	b.failOnce.Do(func() {
		b.failErr = err
		close(b.failed)
	})
}

func (b *inbox) close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *inbox) messages() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		for {
			select {
			case raw := <-b.frames:
				if !yield(raw, nil) {
					return
				}
			case <-b.done:
				yield(nil, ErrTransportClosed)
				return
			case <-b.failed:
				select {
				case <-b.done:
					yield(nil, ErrTransportClosed)
					return
				default:
				}
				for {
					select {
					case raw := <-b.frames:
						if !yield(raw, nil) {
							return
						}
					default:
						yield(nil, b.failErr)
						return
					}
				}
			}
		}
	}
}
