// Package chip is the component D chip registry: a profile per supported
// ESP32 family member, keyed by the chip_id low 16 bits reported by
// GET_SECURITY_INFO. A profile is an immutable value — no chip-specific
// behavior lives behind an interface, all of it is just field values the
// session controller switches on.
package chip

// Stub describes the second-stage flasher stub's RAM image: two loadable
// segments and the entry point MEM_END jumps to once both have landed.
// The byte contents here are opaque placeholders (see stub_*.go) — this
// core drives the upload/handoff sequencing, not stub firmware itself.
type Stub struct {
	TextStart uint32
	Text      []byte
	DataStart uint32
	Data      []byte
	Entry     uint32
}

// Profile is the per-chip metadata the session controller and transport
// need: block sizes, status-trailer width, and the stub image to hand
// off to once RunStub is called.
type Profile struct {
	Name                 string
	ChipID               uint32
	ChipMagic            uint32
	RAMBlock             uint32
	FlashBlock           uint32
	StatusLen            int
	SupportsSecurityInfo bool
	Stub                 Stub
}

// Registry maps a chip_id low 16 bits to its Profile. Populated by each
// chip's stub_<chip>.go via init.
var Registry = map[uint32]Profile{}

func register(p Profile) {
	Registry[p.ChipID&0xFFFF] = p
}

// Lookup returns the Profile for chipID, or ok=false if this core doesn't
// recognize it. A lookup miss is not an error in itself — spec.md calls
// for a warning, not a hard failure, until an operation actually needs
// the profile.
func Lookup(chipID uint32) (Profile, bool) {
	p, ok := Registry[chipID&0xFFFF]
	return p, ok
}

// placeholderStub builds a deterministic, non-functional stand-in for a
// stub image: real stub firmware is out of scope (§1 Non-goals), but
// the upload/handoff sequencing in internal/session needs non-empty
// segments and a plausible entry point to exercise against.
func placeholderStub(textStart uint32, textLen int, dataStart uint32, dataLen int, entry uint32) Stub {
	text := make([]byte, textLen)
	for i := range text {
		text[i] = byte(i)
	}
	data := make([]byte, dataLen)
	for i := range data {
		data[i] = byte(0xA5 ^ i)
	}
	return Stub{TextStart: textStart, Text: text, DataStart: dataStart, Data: data, Entry: entry}
}
