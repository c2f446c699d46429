package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// ContentField is the well-known fragment that holds the rich-text tree.
const ContentField = "default"

const (
	blockKeyPrefix = ContentField + "/"
	fieldType      = "type"
	fieldRank      = "rank"
	fieldText      = "text"
	fieldAttrs     = "attrs"

	// BlockParagraph is the default block type.
	BlockParagraph = "paragraph"
	// BlockHeading renders with an attrs.level value.
	BlockHeading = "heading"
)

var (
	// ErrUnknownBlock indicates that a block id is not present in the document.
	ErrUnknownBlock = errors.New("crdt: unknown block")
	// ErrInvalidRange indicates a text position outside the block text.
	ErrInvalidRange = errors.New("crdt: invalid text range")
)

// Block is a read-only view of one top-level content block.
type Block struct {
	ID    string
	Type  string
	Rank  string
	Text  string
	Attrs map[string]any
}

// Tx mutates the document inside Document.Edit.
type Tx struct {
	doc       *automerge.Doc
	mutations int
}

// AppendBlock creates a block after all existing blocks and returns its id.
func (tx *Tx) AppendBlock(blockType string, text string) (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	id := value.String()
	return id, tx.InsertBlock(id, id, blockType, text)
}

// InsertBlock creates a block with an explicit rank; blocks sort by rank then id.
func (tx *Tx) InsertBlock(id string, rank string, blockType string, text string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownBlock)
	}
	if strings.TrimSpace(blockType) == "" {
		blockType = BlockParagraph
	}
	key := blockKeyPrefix + id
	if err := tx.doc.Path(key).Set(automerge.NewMap()); err != nil {
		return err
	}
	if err := tx.doc.Path(key, fieldType).Set(blockType); err != nil {
		return err
	}
	if err := tx.doc.Path(key, fieldRank).Set(rank); err != nil {
		return err
	}
	if err := tx.doc.Path(key, fieldAttrs).Set(automerge.NewMap()); err != nil {
		return err
	}
	if err := tx.doc.Path(key, fieldText).Set(automerge.NewText(text)); err != nil {
		return err
	}
	tx.mutations++
	return nil
}

// InsertText inserts value at a character position of a block's text.
func (tx *Tx) InsertText(id string, position int, value string) error {
	text, err := tx.text(id)
	if err != nil {
		return err
	}
	if position < 0 || position > text.Len() {
		return fmt.Errorf("%w: position %d", ErrInvalidRange, position)
	}
	if err := text.Insert(position, value); err != nil {
		return err
	}
	tx.mutations++
	return nil
}

// DeleteText removes length characters starting at position.
func (tx *Tx) DeleteText(id string, position int, length int) error {
	text, err := tx.text(id)
	if err != nil {
		return err
	}
	if position < 0 || length < 0 || position+length > text.Len() {
		return fmt.Errorf("%w: %d+%d", ErrInvalidRange, position, length)
	}
	if length == 0 {
		return nil
	}
	if err := text.Delete(position, length); err != nil {
		return err
	}
	tx.mutations++
	return nil
}

// SetAttr sets a scalar attribute on a block (heading level, alignment).
func (tx *Tx) SetAttr(id string, name string, value any) error {
	if !tx.exists(id) {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	if err := tx.doc.Path(blockKeyPrefix+id, fieldAttrs, name).Set(value); err != nil {
		return err
	}
	tx.mutations++
	return nil
}

// RemoveBlock deletes a block and its text.
func (tx *Tx) RemoveBlock(id string) error {
	if !tx.exists(id) {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	if err := tx.doc.RootMap().Delete(blockKeyPrefix + id); err != nil {
		return err
	}
	tx.mutations++
	return nil
}

func (tx *Tx) exists(id string) bool {
	value, err := tx.doc.Path(blockKeyPrefix + id).Get()
	return err == nil && value.Kind() == automerge.KindMap
}

func (tx *Tx) text(id string) (*automerge.Text, error) {
	if !tx.exists(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, id)
	}
	return tx.doc.Path(blockKeyPrefix+id, fieldText).Text(), nil
}

// Blocks returns the content blocks in document order.
func (d *Document) Blocks() ([]Block, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return readBlocks(d.doc)
}

func readBlocks(doc *automerge.Doc) ([]Block, error) {
	keys, err := doc.RootMap().Keys()
	if err != nil {
		return nil, err
	}
	blocks := make([]Block, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, blockKeyPrefix) {
			continue
		}
		block, ok := readBlock(doc, key)
		if !ok {
			continue
		}
		blocks = append(blocks, block)
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		if blocks[i].Rank != blocks[j].Rank {
			return blocks[i].Rank < blocks[j].Rank
		}
		return blocks[i].ID < blocks[j].ID
	})
	return blocks, nil
}

func readBlock(doc *automerge.Doc, key string) (Block, bool) {
	value, err := doc.Path(key).Get()
	if err != nil || value.Kind() != automerge.KindMap {
		return Block{}, false
	}
	block := Block{
		ID:   strings.TrimPrefix(key, blockKeyPrefix),
		Type: BlockParagraph,
	}
	if blockType, err := automerge.As[string](doc.Path(key, fieldType).Get()); err == nil && blockType != "" {
		block.Type = blockType
	}
	if rank, err := automerge.As[string](doc.Path(key, fieldRank).Get()); err == nil {
		block.Rank = rank
	}
	if text, err := doc.Path(key, fieldText).Text().Get(); err == nil {
		block.Text = text
	}
	attrs := doc.Path(key, fieldAttrs).Map()
	if names, err := attrs.Keys(); err == nil && len(names) > 0 {
		block.Attrs = make(map[string]any, len(names))
		for _, name := range names {
			attrValue, err := attrs.Get(name)
			if err != nil {
				continue
			}
			block.Attrs[name] = attrValue.Interface()
		}
	}
	return block, true
}
