package crdt

import (
	"errors"
	"testing"
)

const emptyDocJSON = `{"type":"doc","content":[{"type":"paragraph","content":[]}]}`

func mustEdit(t *testing.T, document *Document, fn func(tx *Tx) error) []byte {
	t.Helper()
	update, err := document.Edit("test edit", fn)
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	return update
}

func mustContentJSON(t *testing.T, document *Document) string {
	t.Helper()
	content, err := document.ContentJSON()
	if err != nil {
		t.Fatalf("projection failed: %v", err)
	}
	return content
}

func mustLoad(t *testing.T, state []byte) *Document {
	t.Helper()
	document, err := Load(state)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	return document
}

func TestEmptyDocumentProjection(t *testing.T) {
	if got := mustContentJSON(t, New()); got != emptyDocJSON {
		t.Fatalf("unexpected empty projection: %s", got)
	}
	if EmptyContentJSON() != emptyDocJSON {
		t.Fatalf("unexpected empty content constant: %s", EmptyContentJSON())
	}
}

func TestEditProducesProjection(t *testing.T) {
	document := New()
	var blockID string
	mustEdit(t, document, func(tx *Tx) error {
		id, err := tx.AppendBlock(BlockHeading, "Title")
		if err != nil {
			return err
		}
		blockID = id
		return tx.SetAttr(id, "level", 1)
	})
	mustEdit(t, document, func(tx *Tx) error {
		return tx.InsertText(blockID, 5, "!")
	})

	blocks, err := document.Blocks()
	if err != nil {
		t.Fatalf("blocks failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Text != "Title!" || blocks[0].Type != BlockHeading {
		t.Fatalf("unexpected blocks: %#v", blocks)
	}
	expected := `{"type":"doc","content":[{"type":"heading","attrs":{"level":1},"content":[{"type":"text","text":"Title!"}]}]}`
	if got := mustContentJSON(t, document); got != expected {
		t.Fatalf("unexpected projection: %s", got)
	}
}

func TestEditWithoutMutationsReturnsNoUpdate(t *testing.T) {
	document := New()
	update := mustEdit(t, document, func(*Tx) error { return nil })
	if update != nil {
		t.Fatalf("expected no update for an empty transaction")
	}
}

func TestEditRejectsUnknownBlockAndRange(t *testing.T) {
	document := New()
	_, err := document.Edit("bad", func(tx *Tx) error {
		return tx.InsertText("missing", 0, "x")
	})
	if !errors.Is(err, ErrUnknownBlock) {
		t.Fatalf("expected unknown block error, got %v", err)
	}

	var blockID string
	mustEdit(t, document, func(tx *Tx) error {
		id, err := tx.AppendBlock(BlockParagraph, "abc")
		blockID = id
		return err
	})
	_, err = document.Edit("bad range", func(tx *Tx) error {
		return tx.DeleteText(blockID, 2, 5)
	})
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected invalid range error, got %v", err)
	}
}

func TestConcurrentUpdatesConvergeInAnyOrder(t *testing.T) {
	base := New()
	var sharedID string
	mustEdit(t, base, func(tx *Tx) error {
		id, err := tx.AppendBlock(BlockParagraph, "shared")
		sharedID = id
		return err
	})
	baseState := base.Save()

	left := mustLoad(t, baseState)
	right := mustLoad(t, baseState)

	leftUpdates := [][]byte{
		mustEdit(t, left, func(tx *Tx) error { return tx.InsertText(sharedID, 0, "L-") }),
		mustEdit(t, left, func(tx *Tx) error {
			_, err := tx.AppendBlock(BlockParagraph, "from left")
			return err
		}),
	}
	rightUpdates := [][]byte{
		mustEdit(t, right, func(tx *Tx) error { return tx.InsertText(sharedID, 6, "-R") }),
		mustEdit(t, right, func(tx *Tx) error {
			_, err := tx.AppendBlock(BlockParagraph, "from right")
			return err
		}),
	}

	first := mustLoad(t, baseState)
	second := mustLoad(t, baseState)
	for _, update := range append(append([][]byte{}, leftUpdates...), rightUpdates...) {
		if err := first.ApplyUpdate(update); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	for _, update := range append(append([][]byte{}, rightUpdates...), leftUpdates...) {
		if err := second.ApplyUpdate(update); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	firstJSON := mustContentJSON(t, first)
	secondJSON := mustContentJSON(t, second)
	if firstJSON != secondJSON {
		t.Fatalf("replicas diverged:\n%s\n%s", firstJSON, secondJSON)
	}
	blocks, err := first.Blocks()
	if err != nil {
		t.Fatalf("blocks failed: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	if blocks[0].Text != "L-shared-R" {
		t.Fatalf("expected both text edits to survive, got %q", blocks[0].Text)
	}
}

func TestApplyingUpdateTwiceIsIdempotent(t *testing.T) {
	source := New()
	update := mustEdit(t, source, func(tx *Tx) error {
		_, err := tx.AppendBlock(BlockParagraph, "once")
		return err
	})

	target := New()
	for i := 0; i < 2; i++ {
		if err := target.ApplyUpdate(update); err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}
	if got := mustContentJSON(t, target); got != mustContentJSON(t, source) {
		t.Fatalf("duplicate apply changed content: %s", got)
	}
}

func TestMergeSnapshotTwiceMatchesOnce(t *testing.T) {
	source := New()
	mustEdit(t, source, func(tx *Tx) error {
		_, err := tx.AppendBlock(BlockParagraph, "snapshot body")
		return err
	})
	snapshot := source.Save()

	once := New()
	if err := once.MergeSnapshot(snapshot); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	twice := New()
	for i := 0; i < 2; i++ {
		if err := twice.MergeSnapshot(snapshot); err != nil {
			t.Fatalf("merge %d failed: %v", i, err)
		}
	}
	if mustContentJSON(t, once) != mustContentJSON(t, twice) {
		t.Fatalf("double merge diverged from single merge")
	}
}

func TestCorruptStateIsRejected(t *testing.T) {
	garbage := []byte("definitely not automerge")
	if _, err := Load(garbage); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected corrupt state on load, got %v", err)
	}

	document := New()
	mustEdit(t, document, func(tx *Tx) error {
		_, err := tx.AppendBlock(BlockParagraph, "keep me")
		return err
	})
	before := mustContentJSON(t, document)
	if err := document.MergeSnapshot(garbage); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected corrupt state on merge, got %v", err)
	}
	if mustContentJSON(t, document) != before {
		t.Fatalf("corrupt merge mutated live state")
	}
	if err := document.ApplyUpdate(nil); !errors.Is(err, ErrEmptyUpdate) {
		t.Fatalf("expected empty update error, got %v", err)
	}
}

func TestRemoveBlockFallsBackToEmptyProjection(t *testing.T) {
	document := New()
	var blockID string
	mustEdit(t, document, func(tx *Tx) error {
		id, err := tx.AppendBlock(BlockParagraph, "gone soon")
		blockID = id
		return err
	})
	mustEdit(t, document, func(tx *Tx) error { return tx.RemoveBlock(blockID) })
	if got := mustContentJSON(t, document); got != emptyDocJSON {
		t.Fatalf("expected empty projection after removal, got %s", got)
	}
}

func TestNodePlainText(t *testing.T) {
	content := ContentFromBlocks([]Block{
		{ID: "a", Type: BlockParagraph, Text: "first"},
		{ID: "b", Type: BlockParagraph, Text: "second"},
	})
	if got := content.PlainText(); got != "first\nsecond" {
		t.Fatalf("unexpected plain text: %q", got)
	}
}

func TestMergeUpdateReportsChange(t *testing.T) {
	source := New()
	update := mustEdit(t, source, func(tx *Tx) error {
		_, err := tx.AppendBlock(BlockParagraph, "fresh")
		return err
	})

	target := New()
	changed, err := target.MergeUpdate(update)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !changed {
		t.Fatalf("expected first merge to change heads")
	}
	changed, err = target.MergeUpdate(update)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	if changed {
		t.Fatalf("expected duplicate merge to leave heads unchanged")
	}
	changed, err = target.MergeUpdate(source.Save())
	if err != nil || changed {
		t.Fatalf("expected full state of known history to be a no-op, changed=%v err=%v", changed, err)
	}
}

func TestUpdateWithoutChunkHeaderIsRejected(t *testing.T) {
	document := New()
	mustEdit(t, document, func(tx *Tx) error {
		_, err := tx.AppendBlock(BlockParagraph, "intact")
		return err
	})
	before := mustContentJSON(t, document)
	if _, err := document.MergeUpdate([]byte("garbage")); !errors.Is(err, ErrCorruptState) {
		t.Fatalf("expected corrupt state, got %v", err)
	}
	if mustContentJSON(t, document) != before {
		t.Fatalf("rejected update mutated state")
	}
}
