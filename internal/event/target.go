package event

import "github.com/fxamacker/cbor/v2"

// Target identifies the origin or destination of an Event. It is a tagged
// union with exactly two cases: the broadcast target All, and a directed
// target addressed to a specific plugin id.
//
// The zero value is not a valid Target; always construct one via AllTarget
// or PluginTarget.
type Target struct {
	isAll bool
	id    string
}

// AllTarget returns the broadcast target.
func AllTarget() Target {
	return Target{isAll: true}
}

// PluginTarget returns a target addressed to a single plugin id.
func PluginTarget(id string) Target {
	return Target{id: id}
}

// IsAll reports whether this target is the broadcast target.
func (t Target) IsAll() bool {
	return t.isAll
}

// PluginID returns the addressed plugin id and true, or ("", false) if this
// target is All.
func (t Target) PluginID() (string, bool) {
	if t.isAll {
		return "", false
	}
	return t.id, true
}

// Matches reports whether a subscriber with the given plugin id should
// receive an event addressed to this target: true iff the target is All or
// the target names this exact plugin id.
func (t Target) Matches(subscriberID string) bool {
	if t.isAll {
		return true
	}
	return t.id == subscriberID
}

// String renders the target's wire form: the literal "all" or the plugin id.
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
// would decode back as PluginTarget("").
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

// Equal reports whether two targets denote the same destination.
func (t Target) Equal(other Target) bool {
	return t.isAll == other.isAll && t.id == other.id
}
