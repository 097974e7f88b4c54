package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

/*
LEARNING: SYNC CHANNEL FRAMES

Every binary WebSocket message carries exactly one frame:

  [kind, step, payload]   (msgpack array)

  kind 0 sync      step 0 = state vector (step 1 of the handshake)
                   step 1 = diff answering a state vector (step 2)
                   step 2 = incremental update
  kind 1 awareness payload = awareness update
  kind 3 query     ask the other side for its full awareness state
*/

// ErrMalformedFrame is returned for bytes that are not a valid frame
var ErrMalformedFrame = errors.New("malformed frame")

// Kind identifies the frame family
type Kind uint8

const (
	KindSync           Kind = 0
	KindAwareness      Kind = 1
	KindQueryAwareness Kind = 3
)

// Step identifies the sync sub-message of a KindSync frame
type Step uint8

const (
	StepStateVector Step = 0
	StepDiff        Step = 1
	StepUpdate      Step = 2
)

// Frame is one decoded protocol message
type Frame struct {
	_msgpack struct{} `msgpack:",as_array"`

	Kind    Kind
	Step    Step
	Payload []byte
}

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "sync"
	case KindAwareness:
		return "awareness"
	case KindQueryAwareness:
		return "query-awareness"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (s Step) String() string {
	switch s {
	case StepStateVector:
		return "step1"
	case StepDiff:
		return "step2"
	case StepUpdate:
		return "update"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// Name is a short label used in logs and spans
func (f Frame) Name() string {
	if f.Kind == KindSync {
		return f.Kind.String() + "/" + f.Step.String()
	}
	return f.Kind.String()
}

// Encode serializes the frame
func (f Frame) Encode() ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return raw, nil
}

// Decode parses a frame and rejects unknown kinds and steps
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Kind {
	case KindSync:
		if f.Step > StepUpdate {
			return fmt.Errorf("%w: unknown sync step %d", ErrMalformedFrame, f.Step)
		}
	case KindAwareness, KindQueryAwareness:
		if f.Step != 0 {
			return fmt.Errorf("%w: unexpected step %d for %s", ErrMalformedFrame, f.Step, f.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, f.Kind)
	}
	return nil
}

// SyncStep1 announces a state vector
func SyncStep1(stateVector []byte) ([]byte, error) {
	return Frame{Kind: KindSync, Step: StepStateVector, Payload: stateVector}.Encode()
}

// SyncStep2 answers a state vector with the missing diff
func SyncStep2(diff []byte) ([]byte, error) {
	return Frame{Kind: KindSync, Step: StepDiff, Payload: diff}.Encode()
}

// Update carries an incremental document update
func Update(update []byte) ([]byte, error) {
	return Frame{Kind: KindSync, Step: StepUpdate, Payload: update}.Encode()
}

// Awareness carries an awareness update
func Awareness(update []byte) ([]byte, error) {
	return Frame{Kind: KindAwareness, Payload: update}.Encode()
}

// QueryAwareness asks the other side for its full awareness state
func QueryAwareness() ([]byte, error) {
	return Frame{Kind: KindQueryAwareness}.Encode()
}
