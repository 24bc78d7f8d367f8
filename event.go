package listen

import (
	"encoding/json"
	"fmt"
	"strings"
)

// event kinds with meaning to this package. The server may send other kinds;
// those pass through to the consumer uninterpreted.
const (
	KindWelcome      = "welcome"
	KindMutation     = "mutation"
	KindChannelError = "channelError"
	KindDisconnect   = "disconnect"
)

// Event is one message from the listen stream. An Event is immutable once
// parsed and carries no reference back to the raw frame.
type Event struct {
	Kind string
	Id   string
	// decoded json payload. nil for pure control frames.
	Data any
}

// ParseEvent parses one complete frame into an Event. Each line of the frame
// is a `key: value` field among `event`, `id` and `data`; `data` values are
// json-encoded text. A line without the separator, or a `data` value that is
// not valid json, is a fatal parse error.
func ParseEvent(frame string) (Event, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(frame, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return Event{}, &FrameParseError{
				Frame:   frame,
				Message: fmt.Sprintf("line %q has no separator", line),
			}
		}
		fields[key] = value
	}

	event := Event{
		Kind: fields["event"],
		Id:   fields["id"],
	}
	if data, ok := fields["data"]; ok {
		var value any
		if err := json.Unmarshal([]byte(data), &value); err != nil {
			return Event{}, &FrameParseError{
				Frame:   frame,
				Message: fmt.Sprintf("invalid data json: %s", err),
			}
		}
		event.Data = value
	}
	return event, nil
}
