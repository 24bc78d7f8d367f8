package listen

import (
	"strings"
)

// records on the wire are separated by a blank line
const frameSeparator = "\n\n"

// a frame whose entire body is a single colon is a keep-alive, not an event
const heartbeatFrame = ":"

// FrameDecoder reassembles arbitrarily fragmented chunks into complete
// frames. A chunk may contain zero, one, or many complete frames, and a
// single frame may arrive split across many chunks. Not safe for concurrent
// use; the stream that owns the decoder is the only caller.
type FrameDecoder struct {
	remainder string
}

func NewFrameDecoder() *FrameDecoder {
	return &FrameDecoder{}
}

// Feed appends `chunk` to the remainder and returns the complete frames now
// available, in arrival order. Heartbeat frames are dropped here so that the
// parser only ever sees event frames. Feed never fails; malformed frames fail
// later in `ParseEvent`.
func (self *FrameDecoder) Feed(chunk string) []string {
	pieces := strings.Split(self.remainder+chunk, frameSeparator)
	self.remainder = pieces[len(pieces)-1]

	frames := []string{}
	for _, piece := range pieces[:len(pieces)-1] {
		if piece == "" || piece == heartbeatFrame {
			continue
		}
		frames = append(frames, piece)
	}
	return frames
}
