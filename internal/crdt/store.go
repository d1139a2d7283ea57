package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/example/doclet/internal/types"
)

const textField = "text"

// ErrNotText is returned when the document root holds something other than
// text under the collaborative field.
var ErrNotText = errors.New("document text field is not a text object")

// TextDoc is a Replica holding a single collaborative text field backed by an
// automerge document. Local edits go through Insert, Delete and SetText and are
// published to listeners as incremental updates tagged with OriginLocal.
type TextDoc struct {
	mu        sync.Mutex
	doc       *automerge.Doc
	listeners listenerSet
}

// NewTextDoc returns an empty replica.
func NewTextDoc() *TextDoc {
	return &TextDoc{doc: automerge.New()}
}

// LoadTextDoc seeds a replica from a persisted snapshot. An empty snapshot
// yields an empty replica.
func LoadTextDoc(snapshot []byte) (*TextDoc, error) {
	if len(snapshot) == 0 {
		return NewTextDoc(), nil
	}
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	// seeded history must not leak into the first local delta
	doc.SaveIncremental()
	return &TextDoc{doc: doc}, nil
}

// EmptySnapshot returns the snapshot of a document whose text field already
// exists, so replicas seeded from it edit the same text object.
func EmptySnapshot() ([]byte, error) {
	doc := automerge.New()
	if err := doc.Path(textField).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("create text field: %w", err)
	}
	return doc.Save(), nil
}

// OnUpdate registers a listener invoked after every change, whatever its
// origin. The returned function unregisters it and is safe to call twice.
func (d *TextDoc) OnUpdate(listener UpdateListener) func() {
	d.mu.Lock()
	id := d.listeners.add(listener)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.listeners.remove(id)
			d.mu.Unlock()
		})
	}
}

// Text returns the current content of the text field.
func (d *TextDoc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.doc.Path(textField).Get()
	if err != nil || v.Kind() != automerge.KindText {
		return ""
	}
	s, err := v.Text().Get()
	if err != nil {
		return ""
	}
	return s
}

// Len returns the length of the text field.
func (d *TextDoc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.doc.Path(textField).Get()
	if err != nil || v.Kind() != automerge.KindText {
		return 0
	}
	return v.Text().Len()
}

// Insert inserts s at pos.
func (d *TextDoc) Insert(pos int, s string) error {
	return d.mutate(func(t *automerge.Text) error {
		return t.Splice(pos, 0, s)
	})
}

// Delete removes n characters starting at pos.
func (d *TextDoc) Delete(pos, n int) error {
	return d.mutate(func(t *automerge.Text) error {
		return t.Splice(pos, n, "")
	})
}

// SetText replaces the whole content with s.
func (d *TextDoc) SetText(s string) error {
	return d.mutate(func(t *automerge.Text) error {
		return t.Splice(0, t.Len(), s)
	})
}

// ApplyUpdate merges an update produced by another replica. Both incremental
// updates and full snapshots are accepted. Listeners only fire when the update
// actually advanced the document.
func (d *TextDoc) ApplyUpdate(update []byte, origin types.Origin) error {
	if len(update) == 0 {
		return nil
	}
	start := time.Now()

	d.mu.Lock()
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		applyFailures.Inc()
		return fmt.Errorf("apply update: %w", err)
	}
	// remote changes are not ours to re-send in the next local delta
	d.doc.SaveIncremental()
	changed := !slices.Equal(before, d.doc.Heads())
	listeners := d.listeners.snapshot()
	d.mu.Unlock()

	applyLatency.Observe(time.Since(start).Seconds())
	if !changed {
		return nil
	}
	updateBytes.WithLabelValues(string(origin)).Add(float64(len(update)))
	emit(listeners, update, origin)
	return nil
}

// EncodeStateAsUpdate returns a self-contained snapshot of the replica.
func (d *TextDoc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *TextDoc) mutate(edit func(*automerge.Text) error) error {
	d.mu.Lock()
	text, err := d.ensureText()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if err := edit(text); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("edit text: %w", err)
	}
	update := d.doc.SaveIncremental()
	listeners := d.listeners.snapshot()
	d.mu.Unlock()

	if len(update) == 0 {
		return nil
	}
	updateBytes.WithLabelValues(string(types.OriginLocal)).Add(float64(len(update)))
	emit(listeners, update, types.OriginLocal)
	return nil
}

func (d *TextDoc) ensureText() (*automerge.Text, error) {
	v, err := d.doc.Path(textField).Get()
	if err != nil {
		return nil, fmt.Errorf("read text field: %w", err)
	}
	switch v.Kind() {
	case automerge.KindText:
	case automerge.KindVoid:
		if err := d.doc.Path(textField).Set(automerge.NewText("")); err != nil {
			return nil, fmt.Errorf("create text field: %w", err)
		}
	default:
		return nil, ErrNotText
	}
	return d.doc.Path(textField).Text(), nil
}

func emit(listeners []UpdateListener, update []byte, origin types.Origin) {
	for _, listener := range listeners {
		listener(update, origin)
	}
}
