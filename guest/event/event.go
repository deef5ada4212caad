// Package event mirrors internal/event's wire shape for guest code: the
// same Event record and Target tagged union, encoded with the identical
// CBOR codec, so a frame produced by the host decodes byte-for-byte into
// this package's types and vice versa.
package event

import "github.com/fxamacker/cbor/v2"

// Target identifies the origin or destination of an Event: the broadcast
// target All, or a directed target naming one plugin id.
type Target struct {
	isAll bool
	id    string
}

// AllTarget returns the broadcast target.
func AllTarget() Target { return Target{isAll: true} }

// PluginTarget returns a target addressed to a single plugin id.
func PluginTarget(id string) Target { return Target{id: id} }

// IsAll reports whether this target is the broadcast target.
func (t Target) IsAll() bool { return t.isAll }

// PluginID returns the addressed plugin id and true, or ("", false) if All.
func (t Target) PluginID() (string, bool) {
	if t.isAll {
		return "", false
	}
	return t.id, true
}

func (t Target) String() string {
	if t.isAll {
		return "all"
	}
	return t.id
}

// MarshalText implements encoding.TextMarshaler so Target renders as a
// plain string for any text-aware codec that does honor it.
func (t Target) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Target) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "all" {
		*t = AllTarget()
		return nil
	}
	*t = PluginTarget(s)
	return nil
}

// MarshalCBOR implements cbor.Marshaler. fxamacker/cbor does not dispatch
// to encoding.TextMarshaler, only to cbor.Marshaler/Unmarshaler and
// encoding.BinaryMarshaler/Unmarshaler — without this, Target's unexported
// fields would encode as an empty map and every event_sender/event_target
// would decode back as PluginTarget(""), matching the host's identical fix.
func (t Target) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(t.String())
}

// UnmarshalCBOR implements cbor.Unmarshaler, the decode-side mirror of
// MarshalCBOR.
func (t *Target) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// Event is the sole unit exchanged on the bus, mirroring internal/event.Event.
type Event struct {
	EventID string `cbor:"event_id"`
	Type    string `cbor:"event_type"`
	Sender  Target `cbor:"event_sender"`
	Target  Target `cbor:"event_target"`
	Data    []byte `cbor:"data"`
}

// DataAs decodes the event's payload as T.
func DataAs[T any](e Event) (T, error) {
	var out T
	err := cbor.Unmarshal(e.Data, &out)
	return out, err
}

// Encode serializes v with the fixed wire codec (CBOR).
func Encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// EncodeEvent serializes a whole Event.
func EncodeEvent(e Event) ([]byte, error) {
	return cbor.Marshal(e)
}

// DecodeEvent deserializes a whole Event.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	err := cbor.Unmarshal(b, &e)
	return e, err
}
