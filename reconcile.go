package listen

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

const DraftsPrefix = "drafts."

// internal mutation records about the listening subscription itself, not
// about user documents
const listenersPrefix = "_.listeners."

// Document is a decoded document snapshot. A nil Document means no such
// document currently exists.
type Document = map[string]any

// DraftId is the id of the draft counterpart of a published document.
func DraftId(documentId string) string {
	return DraftsPrefix + documentId
}

// DocumentReconciler folds mutation events over a {published, draft} pair
// and reports the effective document, the one a reader should currently see:
// the draft if present, else the published document, else absent.
//
// All state is confined to the single consumer applying events; no locks.
type DocumentReconciler struct {
	documentId string
	draftId    string

	published Document
	draft     Document
}

func NewDocumentReconciler(documentId string, initialDocument Document, initialDraft Document) *DocumentReconciler {
	return &DocumentReconciler{
		documentId: documentId,
		draftId:    DraftId(documentId),
		published:  initialDocument,
		draft:      initialDraft,
	}
}

func (self *DocumentReconciler) Effective() Document {
	if self.draft != nil {
		return self.draft
	}
	return self.published
}

// Apply folds one event into the state. `emit` is true when the effective
// document changed by value equality, in which case `snapshot` is the new
// effective document, possibly nil for a genuine flip to absent. Consecutive
// duplicates are suppressed, but a real absent/present transition is always
// surfaced, including the transient absent that can occur when a publish
// deletes the draft before the published record lands (the upstream system
// does not guarantee the ordering of the two mutations).
//
// Welcome and other non-mutation events never mutate state and never emit.
func (self *DocumentReconciler) Apply(event Event) (snapshot Document, emit bool, err error) {
	if event.Kind != KindMutation {
		return nil, false, nil
	}

	before := self.Effective()

	data, _ := event.Data.(map[string]any)
	documentId, _ := data["documentId"].(string)
	// deletion is the absence of a result, not a null or non-object one
	rawResult, hasResult := data["result"]
	result, _ := rawResult.(map[string]any)

	switch {
	case documentId == self.documentId:
		if !hasResult {
			// deletion
			self.published = nil
		} else if result == nil {
			return nil, false, &ReconcileError{
				Event:   event,
				Message: fmt.Sprintf("mutation of %q carries a non-object result", documentId),
			}
		} else if id, _ := result["_id"].(string); id == self.documentId {
			self.published = result
		} else {
			return nil, false, &ReconcileError{
				Event:   event,
				Message: fmt.Sprintf("mutation of %q carries result %q", documentId, id),
			}
		}
	case documentId == self.draftId:
		if !hasResult {
			// deletion
			self.draft = nil
		} else if result == nil {
			return nil, false, &ReconcileError{
				Event:   event,
				Message: fmt.Sprintf("mutation of %q carries a non-object result", documentId),
			}
		} else if id, _ := result["_id"].(string); id == self.draftId {
			self.draft = result
		} else {
			return nil, false, &ReconcileError{
				Event:   event,
				Message: fmt.Sprintf("mutation of %q carries result %q", documentId, id),
			}
		}
	case strings.HasPrefix(documentId, listenersPrefix):
		// listener channel noise
	default:
		return nil, false, &ReconcileError{
			Event:   event,
			Message: fmt.Sprintf("mutation of unexpected document %q, listening for %q", documentId, self.documentId),
		}
	}

	after := self.Effective()
	if !reflect.DeepEqual(before, after) {
		return after, true, nil
	}
	return nil, false, nil
}

// DocumentStream reduces a ListenStream into a deduplicated sequence of
// effective document snapshots. Same consumption contract as ListenStream:
// one consumer, range over Documents(), check Err() after close, Close on
// early exit.
type DocumentStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	stream *ListenStream

	documents chan Document

	mutex sync.Mutex
	err   error
}

func NewDocumentStream(
	ctx context.Context,
	stream *ListenStream,
	documentId string,
	initialDocument Document,
	initialDraft Document,
) *DocumentStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	documentStream := &DocumentStream{
		ctx:       cancelCtx,
		cancel:    cancel,
		stream:    stream,
		documents: make(chan Document, StreamBufferSize),
	}
	go documentStream.run(documentId, initialDocument, initialDraft)
	return documentStream
}

func (self *DocumentStream) run(documentId string, initialDocument Document, initialDraft Document) {
	defer func() {
		self.cancel()
		self.stream.Close()
		close(self.documents)
	}()

	reconciler := NewDocumentReconciler(documentId, initialDocument, initialDraft)

	for event := range self.stream.Events() {
		snapshot, emit, err := reconciler.Apply(event)
		if err != nil {
			self.setErr(err)
			return
		}
		if !emit {
			continue
		}
		select {
		case <-self.ctx.Done():
			return
		case self.documents <- snapshot:
		}
	}
	// the event sequence ended. Carry its terminal error, if any.
	self.setErr(self.stream.Err())
}

func (self *DocumentStream) setErr(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.err = err
}

// Documents is the snapshot sequence. A nil snapshot is a genuine "no
// document exists" state, not a skipped value.
func (self *DocumentStream) Documents() <-chan Document {
	return self.documents
}

func (self *DocumentStream) Err() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

func (self *DocumentStream) Close() {
	self.cancel()
	self.stream.Close()
}
