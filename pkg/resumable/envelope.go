package resumable

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

// Envelope is one side-channel record. Seq starts at 1 and increases by one per
// record of a stream; the last record has Done set and carries no event.
type Envelope struct {
	Seq   uint64 `cbor:"1,keyasint"`
	Done  bool   `cbor:"2,keyasint,omitempty"`
	Event []byte `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("resumable: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("resumable: CBOR decoder initialization failed: " + err.Error())
	}
}

func eventEnvelope(seq uint64, e wire.Event) (Envelope, error) {
	b, err := wire.Marshal(e)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Seq: seq, Event: b}, nil
}

func doneEnvelope(seq uint64) Envelope {
	return Envelope{Seq: seq, Done: true}
}

func (e Envelope) Marshal() ([]byte, error) {
	b, err := encMode.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "resumable: encode envelope")
	}
	return b, nil
}

func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(b, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "resumable: decode envelope")
	}
	if e.Seq == 0 {
		return Envelope{}, errors.New("resumable: envelope without sequence number")
	}
	if !e.Done && len(e.Event) == 0 {
		return Envelope{}, errors.New("resumable: envelope without event")
	}
	return e, nil
}

// WireEvent decodes the carried event.
func (e Envelope) WireEvent() (wire.Event, error) {
	var ev wire.Event
	if err := json.Unmarshal(e.Event, &ev); err != nil {
		return wire.Event{}, errors.Wrap(err, "resumable: decode event")
	}
	if !ev.Kind.Valid() {
		return wire.Event{}, errors.Errorf("resumable: unknown event kind %q", ev.Kind)
	}
	return ev, nil
}
