package listen

import (
	"fmt"
)

// FrameParseError is a malformed frame: a field line without the `": "`
// separator or a data value that is not valid json. The raw frame is kept
// for diagnostics.
type FrameParseError struct {
	Frame   string
	Message string
}

func (self *FrameParseError) Error() string {
	return fmt.Sprintf("frame parse error: %s", self.Message)
}

// ProtocolError is a `channelError` or `disconnect` event sent by the
// server. The stream terminates and the parsed event is attached.
type ProtocolError struct {
	Event Event
}

func (self *ProtocolError) Error() string {
	if data, ok := self.Event.Data.(map[string]any); ok {
		if message, ok := data["message"].(string); ok {
			return fmt.Sprintf("listen %s: %s", self.Event.Kind, message)
		}
	}
	return fmt.Sprintf("listen %s", self.Event.Kind)
}

// ReconcileError is a mutation that references neither the document nor its
// draft, outside the ignored listener channel ids. Raised loudly rather than
// silently mis-attributing state.
type ReconcileError struct {
	Event   Event
	Message string
}

func (self *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile error: %s", self.Message)
}
