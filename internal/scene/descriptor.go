package scene

import (
	"encoding/json"
	"fmt"
)

// Sentinel is the stored form of "no scene". It only appears at the storage
// and wire boundaries; in memory an absent scene is None().
const Sentinel = "/dev/null"

// Descriptor is an optional serialized scene understood only by the render
// engine. The zero value is None.
type Descriptor struct {
	raw string
	set bool
}

// Of returns a Descriptor holding raw. An empty string or the sentinel yields None.
func Of(raw string) Descriptor {
	if raw == "" || raw == Sentinel {
		return Descriptor{}
	}
	return Descriptor{raw: raw, set: true}
}

// None returns the absent descriptor.
func None() Descriptor {
	return Descriptor{}
}

// Parse decodes the stored column form.
func Parse(stored string) Descriptor {
	return Of(stored)
}

// Get returns the raw descriptor and whether one is present.
func (d Descriptor) Get() (string, bool) {
	return d.raw, d.set
}

// IsSet reports whether a scene is present.
func (d Descriptor) IsSet() bool {
	return d.set
}

// Stored returns the column form, using Sentinel for None.
func (d Descriptor) Stored() string {
	if !d.set {
		return Sentinel
	}
	return d.raw
}

// Len returns the descriptor length in bytes, 0 for None.
func (d Descriptor) Len() int {
	return len(d.raw)
}

// Equal reports whether both descriptors hold the same scene.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.set == o.set && d.raw == o.raw
}

func (d Descriptor) String() string {
	if !d.set {
		return "none"
	}
	return fmt.Sprintf("scene(%d bytes)", len(d.raw))
}

// MarshalJSON encodes None as null.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	if !d.set {
		return []byte("null"), nil
	}
	return json.Marshal(d.raw)
}

// UnmarshalJSON accepts null, a string, or the sentinel string.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = None()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("scene descriptor must be a string or null: %w", err)
	}
	*d = Of(s)
	return nil
}
