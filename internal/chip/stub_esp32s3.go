package chip

import "github.com/bigbag/espboot/internal/protocol"

func init() {
	register(Profile{
		Name:                 "ESP32-S3",
		ChipID:               protocol.ChipIDESP32S3,
		ChipMagic:            MagicESP32S3,
		RAMBlock:             0x1800,
		FlashBlock:           0x4000,
		StatusLen:            2,
		SupportsSecurityInfo: true,
		Stub:                 placeholderStub(0x4037_8000, 3072, 0x3FC9_8000, 768, 0x4037_8400),
	})
}
