package chip

import "github.com/bigbag/espboot/internal/protocol"

// ESP32C6StubProfile is the companion profile session.RunStub swaps to
// once the ESP32-C6 stub has handshaked: the stub widens the status
// trailer to 4 bytes; its RAM and flash block sizes are the same as the
// ROM profile's. It is not registered in Registry (both share chip_id 0x0D;
// the session controller selects it explicitly after a successful
// RunStub rather than through a second lookup).
var ESP32C6StubProfile = Profile{
	Name:                 "ESP32-C6 (stub)",
	ChipID:               protocol.ChipIDESP32C6,
	ChipMagic:            MagicESP32C6,
	RAMBlock:             0x1800,
	FlashBlock:           0x4000,
	StatusLen:            4,
	SupportsSecurityInfo: true,
}

func init() {
	register(Profile{
		Name:                 "ESP32-C6",
		ChipID:               protocol.ChipIDESP32C6,
		ChipMagic:            MagicESP32C6,
		RAMBlock:             0x1800,
		FlashBlock:           0x4000,
		StatusLen:            2,
		SupportsSecurityInfo: true,
		Stub:                 placeholderStub(0x4080_0000, 4096, 0x4080_8000, 1024, 0x4080_0400),
	})
}
