package crdt

import "errors"

/*
LEARNING: REPLICATED DOCUMENT CAPABILITY

The relay never looks inside the document. Everything it needs from a CRDT
library fits in three operations:

  ApplyUpdate        merge a remote delta
  EncodeStateVector  summarize what this replica already has
  EncodeDiffSince    compute what a replica with a given summary is missing

Initial sync:
  relay -> peer  state vector (step 1)
  peer  -> relay diff since that vector (step 2), plus its own vector
  relay -> peer  diff since the peer's vector
*/

var (
	// ErrMalformedUpdate is returned when update bytes cannot be decoded.
	ErrMalformedUpdate = errors.New("malformed update")

	// ErrMalformedStateVector is returned when a state vector cannot be decoded.
	ErrMalformedStateVector = errors.New("malformed state vector")
)

// Document is the capability the relay requires from a replicated document.
// Implementations must leave the document untouched when ApplyUpdate fails.
type Document interface {
	ApplyUpdate(update []byte) error
	EncodeStateVector() []byte
	// EncodeDiffSince returns nil when the holder of stateVector is missing nothing.
	EncodeDiffSince(stateVector []byte) ([]byte, error)
}

// Snapshotter is implemented by documents that can serialize their full state.
type Snapshotter interface {
	Save() []byte
}
