package listen

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func mutationEvent(documentId string, result Document) Event {
	data := map[string]any{
		"documentId": documentId,
	}
	if result != nil {
		data["result"] = map[string]any(result)
	}
	return Event{
		Kind: KindMutation,
		Data: data,
	}
}

func TestReconcilerPublishedUpdate(t *testing.T) {
	reconciler := NewDocumentReconciler(
		"D",
		Document{"_id": "D", "title": "A"},
		nil,
	)

	snapshot, emit, err := reconciler.Apply(mutationEvent("D", Document{"_id": "D", "title": "B"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, emit)
	assert.Equal(t, Document{"_id": "D", "title": "B"}, snapshot)
}

func TestReconcilerDraftShadowsPublished(t *testing.T) {
	reconciler := NewDocumentReconciler(
		"D",
		Document{"_id": "D", "title": "A"},
		nil,
	)

	// a new draft becomes the effective document
	snapshot, emit, err := reconciler.Apply(mutationEvent("drafts.D", Document{"_id": "drafts.D", "title": "A+"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, emit)
	assert.Equal(t, Document{"_id": "drafts.D", "title": "A+"}, snapshot)

	// published updates are shadowed while the draft exists
	_, emit, err = reconciler.Apply(mutationEvent("D", Document{"_id": "D", "title": "B"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, false, emit)
}

func TestReconcilerPublishFlow(t *testing.T) {
	// a publish deletes the draft and creates the published document. The
	// ordering of the two mutations is not guaranteed; a draft-first delete
	// legitimately surfaces a transient absent.
	reconciler := NewDocumentReconciler(
		"D",
		nil,
		Document{"_id": "drafts.D", "title": "X"},
	)

	snapshot, emit, err := reconciler.Apply(mutationEvent("drafts.D", nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, emit)
	assert.Equal(t, snapshot, nil)

	snapshot, emit, err = reconciler.Apply(mutationEvent("D", Document{"_id": "D", "title": "X"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, emit)
	assert.Equal(t, Document{"_id": "D", "title": "X"}, snapshot)
}

func TestReconcilerDedup(t *testing.T) {
	reconciler := NewDocumentReconciler("D", nil, nil)

	result := Document{"_id": "D", "title": "A"}

	_, emit, err := reconciler.Apply(mutationEvent("D", result))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, emit)

	// the same value again is suppressed
	_, emit, err = reconciler.Apply(mutationEvent("D", Document{"_id": "D", "title": "A"}))
	assert.Equal(t, err, nil)
	assert.Equal(t, false, emit)

	// consecutive absent is suppressed too
	_, emit, err = reconciler.Apply(mutationEvent("D", nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, true, emit)
	_, emit, err = reconciler.Apply(mutationEvent("drafts.D", nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, false, emit)
}

func TestReconcilerWelcomeNoop(t *testing.T) {
	reconciler := NewDocumentReconciler("D", Document{"_id": "D"}, nil)

	snapshot, emit, err := reconciler.Apply(Event{Kind: KindWelcome, Data: map[string]any{}})
	assert.Equal(t, err, nil)
	assert.Equal(t, false, emit)
	assert.Equal(t, snapshot, nil)
	assert.Equal(t, Document{"_id": "D"}, reconciler.Effective())
}

func TestReconcilerListenerNoise(t *testing.T) {
	reconciler := NewDocumentReconciler("D", Document{"_id": "D"}, nil)

	_, emit, err := reconciler.Apply(mutationEvent("_.listeners.xyz", nil))
	assert.Equal(t, err, nil)
	assert.Equal(t, false, emit)
	assert.Equal(t, Document{"_id": "D"}, reconciler.Effective())
}

func TestReconcilerUnexpectedDocumentId(t *testing.T) {
	reconciler := NewDocumentReconciler("D", nil, nil)

	_, _, err := reconciler.Apply(mutationEvent("E", Document{"_id": "E"}))
	assert.NotEqual(t, err, nil)

	_, ok := err.(*ReconcileError)
	assert.Equal(t, true, ok)
}

func TestReconcilerNonObjectResult(t *testing.T) {
	// a present but non-object result is malformed, not a deletion
	reconciler := NewDocumentReconciler("D", Document{"_id": "D", "title": "A"}, nil)

	_, _, err := reconciler.Apply(Event{
		Kind: KindMutation,
		Data: map[string]any{
			"documentId": "D",
			"result":     "gone",
		},
	})
	assert.NotEqual(t, err, nil)
	_, ok := err.(*ReconcileError)
	assert.Equal(t, true, ok)
	assert.Equal(t, Document{"_id": "D", "title": "A"}, reconciler.Effective())

	// json null on the draft side is malformed too
	_, _, err = reconciler.Apply(Event{
		Kind: KindMutation,
		Data: map[string]any{
			"documentId": "drafts.D",
			"result":     nil,
		},
	})
	assert.NotEqual(t, err, nil)
	_, ok = err.(*ReconcileError)
	assert.Equal(t, true, ok)
	assert.Equal(t, Document{"_id": "D", "title": "A"}, reconciler.Effective())
}

func TestReconcilerMismatchedResultId(t *testing.T) {
	reconciler := NewDocumentReconciler("D", nil, nil)

	_, _, err := reconciler.Apply(mutationEvent("D", Document{"_id": "E"}))
	assert.NotEqual(t, err, nil)

	_, ok := err.(*ReconcileError)
	assert.Equal(t, true, ok)
}

func TestDocumentStream(t *testing.T) {
	server := newListenServer(
		"event: welcome\ndata: {}\n\n",
		":\n\n",
		"event: mutation\nid: 1\ndata: {\"documentId\":\"drafts.D\"}\n\n",
		"event: mutation\nid: 2\ndata: {\"documentId\":\"D\",\"result\":{\"_id\":\"D\",\"title\":\"X\"}}\n\n",
	)
	defer server.Close()

	transport, err := OpenListenTransportWithDefaults(context.Background(), server.URL, nil)
	assert.Equal(t, err, nil)
	stream := NewListenStream(context.Background(), transport)

	documentStream := NewDocumentStream(
		context.Background(),
		stream,
		"D",
		nil,
		Document{"_id": "drafts.D", "title": "X"},
	)
	defer documentStream.Close()

	snapshots := []Document{}
	for snapshot := range documentStream.Documents() {
		snapshots = append(snapshots, snapshot)
	}
	assert.Equal(t, documentStream.Err(), nil)
	assert.Equal(t, 2, len(snapshots))
	assert.Equal(t, snapshots[0], nil)
	assert.Equal(t, Document{"_id": "D", "title": "X"}, snapshots[1])
}
