package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

const hashSize = len(automerge.ChangeHash{})

// automerge storage chunks: magic (4) | checksum (4) | type (1) | uLEB128 length | body
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkHeaderSize = 9
	maxChunkType    = 2 // document, change, compressed change
)

// AutomergeDoc implements Document on top of an automerge document.
//
// Updates are encoded change sets (automerge.SaveChanges) and the state vector
// is the concatenation of the document heads.
type AutomergeDoc struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// NewAutomergeDoc creates an empty document
func NewAutomergeDoc() *AutomergeDoc {
	return &AutomergeDoc{doc: automerge.New()}
}

// LoadAutomergeDoc restores a document from a full snapshot
func LoadAutomergeDoc(raw []byte) (*AutomergeDoc, error) {
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return &AutomergeDoc{doc: doc}, nil
}

// ApplyUpdate loads update into a fork of the document and swaps the fork in
// only when every change in it was accepted.
func (d *AutomergeDoc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}

	// LoadIncremental keeps whatever chunks parsed before a bad one, so
	// the framing is checked up front
	if err := checkChunks(update); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fork, err := d.doc.Fork()
	if err != nil {
		return fmt.Errorf("failed to fork doc: %w", err)
	}
	if err := fork.SetActorID(d.doc.ActorID()); err != nil {
		return fmt.Errorf("failed to keep actor id: %w", err)
	}
	if err := fork.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	d.doc = fork
	return nil
}

// EncodeStateVector returns the current heads
func (d *AutomergeDoc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return encodeHeads(d.doc.Heads())
}

// EncodeDiffSince returns every change that is not an ancestor of the known
// heads in stateVector. Heads this document has never seen are ignored.
func (d *AutomergeDoc) EncodeDiffSince(stateVector []byte) ([]byte, error) {
	heads, err := decodeHeads(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	missing := missingChanges(changes, heads)
	if len(missing) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(missing), nil
}

// Update runs fn against the underlying document and returns the changes it
// produced as an update, or nil if fn changed nothing.
func (d *AutomergeDoc) Update(fn func(doc *automerge.Doc) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	before := d.doc.Heads()
	if err := fn(d.doc); err != nil {
		return nil, err
	}

	changes, err := d.doc.Changes(before...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	if len(changes) == 0 {
		return nil, nil
	}
	return automerge.SaveChanges(changes), nil
}

// View runs fn with read access to the document
func (d *AutomergeDoc) View(fn func(doc *automerge.Doc) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return fn(d.doc)
}

// Save serializes the full document
func (d *AutomergeDoc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.doc.Save()
}

// Text returns the text stored under key, or "" if the key is unset.
func (d *AutomergeDoc) Text(key string) (string, error) {
	var out string
	err := d.View(func(doc *automerge.Doc) error {
		v, err := doc.Path(key).Get()
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", key, err)
		}
		if v.Kind() == automerge.KindVoid {
			return nil
		}
		out, err = doc.Path(key).Text().Get()
		return err
	})
	return out, err
}

// InsertText inserts s at pos in the text under key, creating the text if needed.
func (d *AutomergeDoc) InsertText(key string, pos int, s string) ([]byte, error) {
	return d.Update(func(doc *automerge.Doc) error {
		v, err := doc.Path(key).Get()
		if err != nil {
			return fmt.Errorf("failed to read %q: %w", key, err)
		}
		if v.Kind() == automerge.KindVoid {
			if err := doc.Path(key).Set(automerge.NewText("")); err != nil {
				return fmt.Errorf("failed to create text %q: %w", key, err)
			}
		}
		return doc.Path(key).Text().Insert(pos, s)
	})
}

func missingChanges(changes []*automerge.Change, heads []automerge.ChangeHash) []*automerge.Change {
	if len(heads) == 0 {
		return changes
	}

	byHash := make(map[automerge.ChangeHash]*automerge.Change, len(changes))
	for _, c := range changes {
		byHash[c.Hash()] = c
	}

	have := make(map[automerge.ChangeHash]bool, len(changes))
	stack := make([]automerge.ChangeHash, 0, len(heads))
	for _, h := range heads {
		if _, ok := byHash[h]; ok {
			stack = append(stack, h)
		}
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if have[h] {
			continue
		}
		have[h] = true
		for _, dep := range byHash[h].Dependencies() {
			if _, ok := byHash[dep]; ok && !have[dep] {
				stack = append(stack, dep)
			}
		}
	}

	missing := make([]*automerge.Change, 0, len(changes)-len(have))
	for _, c := range changes {
		if !have[c.Hash()] {
			missing = append(missing, c)
		}
	}
	return missing
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	out := make([]byte, 0, len(heads)*hashSize)
	for _, h := range heads {
		out = append(out, h[:]...)
	}
	return out
}

func decodeHeads(raw []byte) ([]automerge.ChangeHash, error) {
	if len(raw)%hashSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrMalformedStateVector, len(raw), hashSize)
	}
	heads := make([]automerge.ChangeHash, len(raw)/hashSize)
	for i := range heads {
		copy(heads[i][:], raw[i*hashSize:(i+1)*hashSize])
	}
	return heads, nil
}

func checkChunks(raw []byte) error {
	for len(raw) > 0 {
		if len(raw) < chunkHeaderSize || !bytes.Equal(raw[:4], chunkMagic) {
			return fmt.Errorf("%w: bad chunk header", ErrMalformedUpdate)
		}
		if raw[8] > maxChunkType {
			return fmt.Errorf("%w: unknown chunk type %d", ErrMalformedUpdate, raw[8])
		}
		length, n := binary.Uvarint(raw[chunkHeaderSize:])
		if n <= 0 {
			return fmt.Errorf("%w: bad chunk length", ErrMalformedUpdate)
		}
		end := uint64(chunkHeaderSize+n) + length
		if end > uint64(len(raw)) {
			return fmt.Errorf("%w: truncated chunk", ErrMalformedUpdate)
		}
		raw = raw[end:]
	}
	return nil
}
