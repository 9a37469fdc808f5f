package chip

import "github.com/bigbag/espboot/internal/protocol"

func init() {
	register(Profile{
		Name:                 "ESP32-P4",
		ChipID:               protocol.ChipIDESP32P4,
		ChipMagic:            MagicESP32P4,
		RAMBlock:             0x1800,
		FlashBlock:           0x4000,
		StatusLen:            4,
		SupportsSecurityInfo: true,
		Stub:                 placeholderStub(0x4ff0_0000, 4096, 0x4ff1_0000, 1024, 0x4ff0_0400),
	})
}
