// Package event defines the Event record exchanged on the bus, its
// correlation (reply) semantics, and the CBOR wire codec used to cross the
// WASM guest/host boundary and the network boundary alike.
//
// Event is the sole unit exchanged on the bus (SPEC_FULL.md section 3): a
// correlation id, a routing discriminator, a sender/target pair, and an
// opaque, self-describing payload.
package event

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/kierandrewett/lyplayer-server/internal/apperr"
)

// Event is the sole unit exchanged on the bus.
type Event struct {
	EventID string `cbor:"event_id"`
	Type    string `cbor:"event_type"`
	Sender  Target `cbor:"event_sender"`
	Target  Target `cbor:"event_target"`
	Data    []byte `cbor:"data"`
}

// NewEvent allocates a fresh, collision-resistant event_id (a UUIDv4,
// carrying 122 bits of randomness, comfortably over the required minimum
// of 96) and encodes data with the fixed CBOR payload codec.
func NewEvent(eventType string, target Target, sender Target, data any) (Event, error) {
	payload, err := Encode(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID: uuid.NewString(),
		Type:    eventType,
		Sender:  sender,
		Target:  target,
		Data:    payload,
	}, nil
}

// NewRawEvent is like NewEvent but takes an already-encoded payload,
// used when forwarding bytes that were never decoded on this side (e.g.
// the WASM host relaying a guest-serialized frame).
func NewRawEvent(eventType string, target Target, sender Target, data []byte) Event {
	return Event{
		EventID: uuid.NewString(),
		Type:    eventType,
		Sender:  sender,
		Target:  target,
		Data:    data,
	}
}

// Reply yields an event with the original's event_id, target set to the
// original sender, sender set to the replier. This is the ONLY correlation
// mechanism in the system: a participant ties a response to its request by
// comparing event_id, never by arrival order.
func Reply(original Event, newEventType string, newSender Target, data any) (Event, error) {
	payload, err := Encode(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID: original.EventID,
		Type:    newEventType,
		Sender:  newSender,
		Target:  original.Sender,
		Data:    payload,
	}, nil
}

// DataAs decodes the event's payload as T. It returns an *apperr.AppError
// with kind PayloadDecode if the bytes are not a valid encoding of T.
func DataAs[T any](e Event) (T, error) {
	var out T
	if err := Decode(e.Data, &out); err != nil {
		return out, apperr.PayloadDecodeErr(err)
	}
	return out, nil
}

// Encode serializes v with the fixed wire codec (CBOR). It must round-trip
// any value Decode can produce, and is self-describing so DataAs works
// without the caller knowing the original Go type used to encode it.
func Encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// Decode deserializes b into v with the fixed wire codec (CBOR).
func Decode(b []byte, v any) error {
	return cbor.Unmarshal(b, v)
}

// EncodeEvent serializes a whole Event (used for the WASM ABI frames and
// for any out-of-process transport).
func EncodeEvent(e Event) ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeEvent deserializes a whole Event.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	err := cbor.Unmarshal(b, &e)
	return e, err
}
