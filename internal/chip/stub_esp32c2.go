package chip

import "github.com/bigbag/espboot/internal/protocol"

func init() {
	register(Profile{
		Name:                 "ESP32-C2",
		ChipID:               protocol.ChipIDESP32C2,
		ChipMagic:            MagicESP32C2,
		RAMBlock:             0x1800,
		FlashBlock:           0x4000,
		StatusLen:            2,
		SupportsSecurityInfo: true,
		Stub:                 placeholderStub(0x4038_0000, 2048, 0x3FCA_0000, 512, 0x4038_0400),
	})
}
