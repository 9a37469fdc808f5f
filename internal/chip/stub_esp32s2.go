package chip

import "github.com/bigbag/espboot/internal/protocol"

func init() {
	register(Profile{
		Name:                 "ESP32-S2",
		ChipID:               protocol.ChipIDESP32S2,
		ChipMagic:            MagicESP32S2,
		RAMBlock:             0x1800,
		FlashBlock:           0x4000,
		StatusLen:            2,
		SupportsSecurityInfo: false,
		Stub:                 placeholderStub(0x4038_8000, 3072, 0x3FFB_8000, 768, 0x4038_8400),
	})
}
