package listen

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/golang/glog"
)

const StreamBufferSize = 1

// ListenStream composes the transport, decoder and parser into a sequence of
// events, consumable exactly once, forward-only, by one consumer. The pump
// goroutine blocks on the events channel, so nothing is buffered beyond what
// the decoder requires.
//
// Consumers range over Events() and check Err() after the channel closes. A
// consumer that stops early must call Close; the underlying connection is
// torn down exactly once on the first exit path reached, whether that is
// normal exhaustion, early stop, or error.
type ListenStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *ListenTransport

	events chan Event

	mutex sync.Mutex
	err   error
}

func NewListenStream(ctx context.Context, transport *ListenTransport) *ListenStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	stream := &ListenStream{
		ctx:       cancelCtx,
		cancel:    cancel,
		transport: transport,
		events:    make(chan Event, StreamBufferSize),
	}
	go stream.run()
	return stream
}

func (self *ListenStream) run() {
	defer func() {
		self.cancel()
		self.transport.Close()
		close(self.events)
	}()

	requestId := self.transport.RequestId()
	decoder := NewFrameDecoder()

	for {
		chunk, err := self.transport.ReadChunk()
		if err != nil {
			if errors.Is(err, io.EOF) {
				glog.V(2).Infof("[ls]%s end\n", requestId)
				return
			}
			if self.ctx.Err() != nil {
				// closed by the consumer. Not an error.
				glog.V(2).Infof("[ls]%s closed\n", requestId)
				return
			}
			glog.Infof("[ls]%s read error = %s\n", requestId, err)
			self.setErr(err)
			return
		}

		for _, frame := range decoder.Feed(chunk) {
			event, err := ParseEvent(frame)
			if err != nil {
				glog.Infof("[ls]%s parse error = %s\n", requestId, err)
				self.setErr(err)
				return
			}

			switch event.Kind {
			case KindChannelError, KindDisconnect:
				// protocol level error condition. Terminate abruptly with
				// the offending event attached.
				glog.Infof("[ls]%s %s\n", requestId, event.Kind)
				self.setErr(&ProtocolError{Event: event})
				return
			}

			select {
			case <-self.ctx.Done():
				return
			case self.events <- event:
				glog.V(2).Infof("[ls]%s<- %s\n", requestId, event.Kind)
			}
		}
	}
}

func (self *ListenStream) setErr(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.err = err
}

// Events is the event sequence. The channel closes on stream end; consumers
// then check Err for the terminal error, if any.
func (self *ListenStream) Events() <-chan Event {
	return self.events
}

// Err is the terminal error, or nil after a normal end of stream. Only
// meaningful once Events has closed.
func (self *ListenStream) Err() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

func (self *ListenStream) Close() {
	self.cancel()
	self.transport.Close()
}
