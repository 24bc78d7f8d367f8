package listen

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseEventWelcome(t *testing.T) {
	event, err := ParseEvent("event: welcome\ndata: {}")
	assert.Equal(t, err, nil)
	assert.Equal(t, KindWelcome, event.Kind)
	assert.Equal(t, "", event.Id)
	assert.Equal(t, map[string]any{}, event.Data)
}

func TestParseEventMutation(t *testing.T) {
	event, err := ParseEvent("event: mutation\nid: msg-1\ndata: {\"documentId\":\"D\",\"result\":{\"_id\":\"D\",\"title\":\"A\"}}")
	assert.Equal(t, err, nil)
	assert.Equal(t, KindMutation, event.Kind)
	assert.Equal(t, "msg-1", event.Id)

	data := event.Data.(map[string]any)
	assert.Equal(t, "D", data["documentId"])
	result := data["result"].(map[string]any)
	assert.Equal(t, "A", result["title"])
}

func TestParseEventNoData(t *testing.T) {
	event, err := ParseEvent("event: disconnect")
	assert.Equal(t, err, nil)
	assert.Equal(t, KindDisconnect, event.Kind)
	assert.Equal(t, event.Data, nil)
}

func TestParseEventUnknownKind(t *testing.T) {
	// future kinds pass through uninterpreted
	event, err := ParseEvent("event: reconnect\ndata: 5")
	assert.Equal(t, err, nil)
	assert.Equal(t, "reconnect", event.Kind)
	assert.Equal(t, float64(5), event.Data)
}

func TestParseEventMissingSeparator(t *testing.T) {
	_, err := ParseEvent("event welcome")
	assert.NotEqual(t, err, nil)

	parseError, ok := err.(*FrameParseError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "event welcome", parseError.Frame)
}

func TestParseEventInvalidDataJson(t *testing.T) {
	_, err := ParseEvent("event: mutation\ndata: {not json")
	assert.NotEqual(t, err, nil)

	parseError, ok := err.(*FrameParseError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "event: mutation\ndata: {not json", parseError.Frame)
}

func TestParseEventValueWithSeparator(t *testing.T) {
	// only the first `": "` separates key from value
	event, err := ParseEvent("event: mutation\ndata: {\"note\": \"a: b\"}")
	assert.Equal(t, err, nil)
	data := event.Data.(map[string]any)
	assert.Equal(t, "a: b", data["note"])
}
