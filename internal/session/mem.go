package session

import (
	"context"

	"github.com/bigbag/espboot/internal/protocol"
	"github.com/bigbag/espboot/internal/transport"
)

// MemWrite loads data into target RAM at addr via MEM_BEGIN/MEM_DATA
// (spec.md §4.F "RAM write"). It does not jump to the loaded code —
// RunStub is the only caller that follows a RAM write with MEM_END.
func (s *Session) MemWrite(ctx context.Context, addr uint32, data []byte) error {
	if !allowed(s.state, opMemWrite) {
		return gatingError(s.state, opMemWrite)
	}
	return s.memWrite(ctx, addr, data)
}

func (s *Session) ramBlock() uint32 {
	if s.profile != nil && s.profile.RAMBlock != 0 {
		return s.profile.RAMBlock
	}
	return defaultRAMBlock
}

func (s *Session) memWrite(ctx context.Context, addr uint32, data []byte) error {
	ramBlock := s.ramBlock()
	blocks := blockCount(len(data), int(ramBlock))

	beginData := protocol.MemBeginData(uint32(len(data)), blocks, ramBlock, addr)
	if _, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdMemBegin, beginData, 0, true, s.statusLen(), transport.DefaultTimeout); err != nil {
		return err
	}

	for seq := uint32(0); seq < blocks; seq++ {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		chunk := slice(data, seq, ramBlock)
		payload := protocol.MemDataData(chunk, seq)
		if _, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdMemData, payload, 0, true, s.statusLen(), transport.DefaultTimeout); err != nil {
			return err
		}
		s.reportProgress(int(seq+1)*int(ramBlock), len(data))
	}
	return nil
}

// sendMemEnd issues MEM_END to jump into freshly uploaded code at entry
// (spec.md §4.F "Mem end"): no_entry is 1 only when entry is the zero
// address, meaning "load but don't jump".
func (s *Session) sendMemEnd(entry uint32) error {
	payload := protocol.MemEndData(entry, entry == 0)
	_, _, err := transport.SendCommand(s.link, s.reader, protocol.CmdMemEnd, payload, 0, true, s.statusLen(), transport.DefaultTimeout)
	return err
}

// blockCount is ceil(total/blockSize), or 0 when total is 0.
func blockCount(total, blockSize int) uint32 {
	if total <= 0 {
		return 0
	}
	return uint32((total + blockSize - 1) / blockSize)
}

// slice returns the seq-th up-to-blockSize chunk of data.
func slice(data []byte, seq, blockSize uint32) []byte {
	start := seq * blockSize
	if start >= uint32(len(data)) {
		return nil
	}
	end := start + blockSize
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	return data[start:end]
}
