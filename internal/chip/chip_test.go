package chip

import (
	"testing"

	"github.com/bigbag/espboot/internal/protocol"
)

func TestLookup_KnownChips(t *testing.T) {
	ids := []uint32{
		protocol.ChipIDESP32C2,
		protocol.ChipIDESP32C3,
		protocol.ChipIDESP32C6,
		protocol.ChipIDESP32S2,
		protocol.ChipIDESP32S3,
		protocol.ChipIDESP32P4,
	}
	for _, id := range ids {
		p, ok := Lookup(id)
		if !ok {
			t.Errorf("Lookup(0x%X) miss, want a registered profile", id)
			continue
		}
		if p.ChipID&0xFFFF != id&0xFFFF {
			t.Errorf("Lookup(0x%X).ChipID = 0x%X", id, p.ChipID)
		}
		if len(p.Stub.Text) == 0 || len(p.Stub.Data) == 0 {
			t.Errorf("Lookup(0x%X) stub has empty segment", id)
		}
		if p.StatusLen != 2 && p.StatusLen != 4 {
			t.Errorf("Lookup(0x%X).StatusLen = %d, want 2 or 4", id, p.StatusLen)
		}
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, ok := Lookup(0xBEEF); ok {
		t.Errorf("Lookup(0xBEEF) hit, want miss")
	}
}

func TestLookup_MasksToLow16Bits(t *testing.T) {
	p, ok := Lookup(0xABCD0000 | protocol.ChipIDESP32C3)
	if !ok {
		t.Fatalf("Lookup did not mask high bits before matching")
	}
	if p.Name != "ESP32-C3" {
		t.Errorf("Lookup masked-id = %q, want ESP32-C3", p.Name)
	}
}

func TestESP32C6StubProfile_WidensStatus(t *testing.T) {
	rom, ok := Lookup(protocol.ChipIDESP32C6)
	if !ok {
		t.Fatal("ESP32-C6 not registered")
	}
	if rom.StatusLen != 2 {
		t.Errorf("ROM profile StatusLen = %d, want 2", rom.StatusLen)
	}
	if ESP32C6StubProfile.StatusLen != 4 {
		t.Errorf("stub profile StatusLen = %d, want 4", ESP32C6StubProfile.StatusLen)
	}
	if ESP32C6StubProfile.FlashBlock != 0x4000 {
		t.Errorf("stub profile FlashBlock = 0x%X, want 0x4000", ESP32C6StubProfile.FlashBlock)
	}
}

func TestAllProfiles_FlashBlockIsFixed(t *testing.T) {
	for id, p := range Registry {
		if p.FlashBlock != 0x4000 {
			t.Errorf("Registry[0x%X].FlashBlock = 0x%X, want 0x4000 (fixed across all profiles)", id, p.FlashBlock)
		}
	}
	if ESP32C6StubProfile.FlashBlock != 0x4000 {
		t.Errorf("ESP32C6StubProfile.FlashBlock = 0x%X, want 0x4000", ESP32C6StubProfile.FlashBlock)
	}
}
