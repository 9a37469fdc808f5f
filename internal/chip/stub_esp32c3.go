package chip

import "github.com/bigbag/espboot/internal/protocol"

func init() {
	register(Profile{
		Name:                 "ESP32-C3",
		ChipID:               protocol.ChipIDESP32C3,
		ChipMagic:            MagicESP32C3,
		RAMBlock:             0x1800,
		FlashBlock:           0x4000,
		StatusLen:            2,
		SupportsSecurityInfo: true,
		Stub:                 placeholderStub(0x4038_0000, 2048, 0x3FC8_0000, 512, 0x4038_0400),
	})
}
