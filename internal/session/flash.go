package session

import (
	"bytes"
	"compress/flate"
	"time"

	"context"

	"github.com/bigbag/espboot/internal/esperr"
	"github.com/bigbag/espboot/internal/protocol"
	"github.com/bigbag/espboot/internal/transport"
)

// flashBlockSize is the FLASH_DATA/FLASH_DEFL_DATA chunk size: the
// detected profile's flash_block when one is set (spec.md §3's chip
// profile models this per-chip), falling back to the classic ROM
// loader's FlashBlockSize constant otherwise.
func (s *Session) flashBlockSize() uint32 {
	if s.profile != nil && s.profile.FlashBlock != 0 {
		return s.profile.FlashBlock
	}
	return protocol.FlashBlockSize
}

// eraseTimeoutFor scales the FLASH_BEGIN/FLASH_DEFL_BEGIN timeout with
// erase size the way the teacher's FlashImageCompressed did — an
// physical sector erase can take seconds per megabyte.
func eraseTimeoutFor(eraseSize uint32) time.Duration {
	return time.Duration(eraseSize/1024/1024*3+5) * time.Second
}

// FlashWrite writes data to flash at offset uncompressed, via
// FLASH_BEGIN/FLASH_DATA/FLASH_END (spec.md §4.F "Flash write (raw)").
// The device stays in the bootloader afterward; call Reboot to exit it.
func (s *Session) FlashWrite(ctx context.Context, offset uint32, data []byte) error {
	if !allowed(s.state, opFlashWrite) {
		return gatingError(s.state, opFlashWrite)
	}
	if s.profile == nil {
		return esperr.New(esperr.UnsupportedChip, "flash_write needs a detected chip profile")
	}

	blockSize := s.flashBlockSize()
	eraseSize := uint32(len(data))
	blocks := blockCount(len(data), int(blockSize))

	beginData := protocol.FlashBeginData(eraseSize, blocks, blockSize, offset)
	if _, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdFlashBegin, beginData, 0, true, s.statusLen(), eraseTimeoutFor(eraseSize)); err != nil {
		return err
	}

	for seq := uint32(0); seq < blocks; seq++ {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		chunk := slice(data, seq, blockSize)
		payload := protocol.FlashDataData(chunk, seq, int(blockSize))
		if err := s.sendDataBlockWithRetry(protocol.CmdFlashData, payload); err != nil {
			return esperr.Wrap(esperr.LinkError, "flash data block failed", err)
		}
		s.reportProgress(int(seq+1)*int(blockSize), len(data))
	}

	return s.flashFinish(protocol.CmdFlashEnd)
}

// FlashWriteDeflate compresses data with raw DEFLATE and writes it via
// FLASH_DEFL_BEGIN/FLASH_DEFL_DATA/FLASH_DEFL_END (spec.md §4.F
// "compressed variant"). Unlike the teacher, which wraps with zlib, the
// stream is raw deflate — the ROM/stub DEFL opcodes have no use for a
// zlib header/trailer.
func (s *Session) FlashWriteDeflate(ctx context.Context, offset uint32, data []byte) error {
	if !allowed(s.state, opFlashWrite) {
		return gatingError(s.state, opFlashWrite)
	}
	if s.profile == nil {
		return esperr.New(esperr.UnsupportedChip, "flash_write_deflate needs a detected chip profile")
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return esperr.Wrap(esperr.OutOfMemory, "deflate writer init failed", err)
	}
	if _, err := w.Write(data); err != nil {
		return esperr.Wrap(esperr.OutOfMemory, "deflate compression failed", err)
	}
	if err := w.Close(); err != nil {
		return esperr.Wrap(esperr.OutOfMemory, "deflate finalize failed", err)
	}
	compressed := buf.Bytes()

	blockSize := s.flashBlockSize()
	eraseSize := protocol.CalculateEraseSize(len(data))
	blocks := protocol.CalculateDeflBlocks(len(compressed), int(blockSize))

	beginData := protocol.FlashDeflBeginData(eraseSize, blocks, blockSize, offset)
	if _, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdFlashDeflBegin, beginData, 0, true, s.statusLen(), eraseTimeoutFor(eraseSize)); err != nil {
		return err
	}

	for seq := uint32(0); seq < blocks; seq++ {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		chunk := slice(compressed, seq, blockSize)
		payload := protocol.FlashDeflDataData(chunk, seq)
		if err := s.sendDataBlockWithRetry(protocol.CmdFlashDeflData, payload); err != nil {
			return esperr.Wrap(esperr.LinkError, "flash defl data block failed", err)
		}
		s.reportProgress(int(seq+1)*int(blockSize), len(compressed))
	}

	return s.flashFinish(protocol.CmdFlashDeflEnd)
}

// flashFinish sends the single-opcode FLASH_END/FLASH_DEFL_END frame
// with reboot=false (stay in the bootloader). A timeout here is
// tolerated rather than treated as failure — the device may already be
// busy finalizing the write.
func (s *Session) flashFinish(opcode byte) error {
	_, _, err := transport.SendCommand(s.link, s.reader, opcode, protocol.FlashEndData(false), 0, true, s.statusLen(), flashTimeout)
	if err != nil && esperr.Is(err, esperr.Timeout) {
		return nil
	}
	return err
}

// sendDataBlockWithRetry sends a DATA block up to 3 times in total,
// matching the teacher's FlashImageCompressed resilience against a
// dropped frame mid-transfer.
func (s *Session) sendDataBlockWithRetry(opcode byte, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		_, _, err := transport.SendCommand(s.link, s.reader, opcode, payload, 0, true, s.statusLen(), flashTimeout)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return lastErr
}
