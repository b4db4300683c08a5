package dwire

import "encoding/binary"

// mockLink simulates the LittleWire/Digispark gateway plus a minimal AVR
// target well enough to drive break/sync, connect, single-step, and go: it
// decodes the exact vocabulary this package's encoder emits (set PC/BP,
// load+exec IR, the bulk SRAM/register virtual-instruction micro-programs,
// and the plain in/out opcodes used for DWDR/EEPROM/SPMCSR access) against
// a small simulated register file, SRAM array, and signature/PC pair.
type mockLink struct {
	calls []mockCall

	pulseSamples []uint16
	pendingRead  bool

	// carry holds a fixed-length command cut off at the end of the
	// previous transfer, to be completed by the next one.
	carry []byte

	closed bool

	dev mockDevice
}

type mockCall struct {
	dir   string // "out" or "in"
	value uint16
	data  []byte
}

type mockDevice struct {
	sig uint16

	dwdrAddr   int
	flashWords int
	pageSize   int

	regs  [32]byte
	sram  map[int]byte
	io    map[int]byte
	flash map[int]byte // committed flash content, byte-addressed

	pcWord         uint16 // word PC last set via D0
	bpWord         uint16
	reportedPCWord uint16 // what the next 0xF0 request returns

	dwdrPending int // register waiting for a DWDR byte to arrive on the wire, or -1

	sramWriteMode bool

	pageBase   int         // flash address the last spm erase started at
	pageBuf    map[int]byte // temporary page buffer, keyed by offset from pageBase
	rwwEnabled bool

	response []byte // queued bytes for the next ControlIn
}

func newMockDevice(sig uint16, dwdrAddr, flashWords int) mockDevice {
	return mockDevice{
		sig:         sig,
		dwdrAddr:    dwdrAddr,
		flashWords:  flashWords,
		pageSize:    64,
		regs:        [32]byte{},
		sram:        map[int]byte{},
		io:          map[int]byte{},
		flash:       map[int]byte{},
		pageBuf:     map[int]byte{},
		dwdrPending: -1,
	}
}

func newMockLink(dev mockDevice) *mockLink {
	return &mockLink{dev: dev}
}

func (m *mockLink) zPointer() int {
	return int(m.dev.regs[30]) | int(m.dev.regs[31])<<8
}

func (m *mockLink) setZ(addr int) {
	m.dev.regs[30] = byte(addr)
	m.dev.regs[31] = byte(addr >> 8)
}

func (m *mockLink) ControlOut(value uint16, data []byte) (int, error) {
	m.calls = append(m.calls, mockCall{dir: "out", value: value, data: append([]byte(nil), data...)})

	state := byte(value)
	switch {
	case state == stateBreakCapture:
		// nothing to do; a following read of pulse data is expected.
	case state == reqSetTiming:
		// bit-time payload; nothing to simulate.
	default:
		m.interpret(data)
	}

	if state&reqRecordPulse != 0 {
		m.pendingRead = true
	} else if state == stateBreakCapture {
		m.pendingRead = true
	}

	return len(data), nil
}

func (m *mockLink) ControlIn(value uint16, buf []byte) (int, error) {
	m.calls = append(m.calls, mockCall{dir: "in", value: value})

	if m.pendingRead && len(m.pulseSamples) > 0 {
		raw := make([]byte, len(m.pulseSamples)*2)
		for i, s := range m.pulseSamples {
			binary.LittleEndian.PutUint16(raw[i*2:], s)
		}
		n := copy(buf, raw)
		m.pendingRead = false
		return n, nil
	}

	if len(m.dev.response) > 0 {
		n := copy(buf, m.dev.response)
		m.dev.response = m.dev.response[n:]
		return n, nil
	}

	return 0, nil
}

func (m *mockLink) Close() error {
	m.closed = true
	return nil
}

// interpret walks a byte stream emitted by this package's frame buffer
// and applies its effect to the simulated device. It understands exactly
// the commands the encoder in this package produces.
// push splits the byte stream into 128-byte transfers wherever the
// boundary falls, so a command may straddle two transfers.
func (m *mockLink) interpret(data []byte) {
	data = append(m.carry, data...)
	m.carry = nil
	i := 0
	for i < len(data) {
		b := data[i]
		if m.dev.dwdrPending < 0 && i+fixedCmdLen(b) > len(data) {
			m.carry = append([]byte(nil), data[i:]...)
			return
		}
		switch {
		case m.dev.dwdrPending >= 0:
			m.dev.regs[m.dev.dwdrPending] = b
			m.dev.dwdrPending = -1
			i++

		case m.dev.sramWriteMode && b == 0x20 && i+1 < len(data):
			addr := m.zPointer()
			m.dev.sram[addr] = data[i+1]
			m.setZ(addr + 1)
			i += 2

		case b == cmdSetPC && i+2 < len(data):
			m.dev.pcWord = (uint16(data[i+1]&^0x10) << 8) | uint16(data[i+2])
			i += 3

		case b == cmdSetBP && i+2 < len(data):
			m.dev.bpWord = (uint16(data[i+1]&^0x10) << 8) | uint16(data[i+2])
			i += 3

		case b == cmdLoadIR && i+3 < len(data):
			opcode := uint16(data[i+1])<<8 | uint16(data[i+2])
			exec := data[i+3]
			if exec == cmdExecIR || exec == cmdExecSlowIR {
				m.execInstr(opcode)
			}
			i += 4

		case b == modeVirtual || b == modeVirtualTimersOff:
			i++
			if i < len(data) && data[i] == modeSelect && i+1 < len(data) {
				sub := data[i+1]
				i += 2
				switch {
				case i < len(data) && data[i] == 0x20 && sub == subRegWrite:
					// The register-write micro-program's payload rides
					// immediately behind the 0x20 marker in the same
					// transfer (SetRegs pushes it right after the header),
					// so it has to be consumed here rather than in
					// runBulk, which only ever produces response bytes.
					i++
					first := int(m.dev.pcWord)
					count := int(m.dev.bpWord) - first
					n := copy(m.dev.regs[first:first+count], data[i:])
					i += n
				case i < len(data) && data[i] == 0x20:
					i++
					m.runBulk(sub)
				case sub == subSRAMWrite:
					m.dev.sramWriteMode = true
				}
			}

		case b == cmdReadSig:
			resp := make([]byte, 2)
			binary.BigEndian.PutUint16(resp, m.dev.sig)
			m.dev.response = append(m.dev.response, resp...)
			i++

		case b == cmdReadPC:
			resp := make([]byte, 2)
			binary.BigEndian.PutUint16(resp, m.dev.reportedPCWord)
			m.dev.response = append(m.dev.response, resp...)
			i++

		case b == cmdDwireReset, b == cmdDwireDisable:
			i++

		case b == modeGoTimersOff && i+1 < len(data) && data[i+1] == cmdSingleStep:
			m.dev.reportedPCWord = m.dev.pcWord + 2
			i += 2

		case b == modeGo || b == modeGoTimersOff || b == modeGoToBP || b == modeGoToBPTimersOff:
			i++

		case b == cmdContinue:
			i++

		default:
			i++
		}
	}
}

// fixedCmdLen is the length of the fixed-size command starting with b,
// or 1 for any other byte.
func fixedCmdLen(b byte) int {
	switch b {
	case cmdSetPC, cmdSetBP:
		return 3
	case cmdLoadIR:
		return 4
	}
	return 1
}

func (m *mockLink) runBulk(sub byte) {
	switch sub {
	case subSRAMRead:
		length := int(m.dev.bpWord) / 2
		addr := m.zPointer()
		buf := make([]byte, length)
		for j := 0; j < length; j++ {
			buf[j] = m.dev.sram[addr+j]
		}
		m.setZ(addr + length)
		m.dev.response = append(m.dev.response, buf...)
	case subRegRead:
		first := int(m.dev.pcWord)
		count := int(m.dev.bpWord) - first
		m.dev.response = append(m.dev.response, m.dev.regs[first:first+count]...)
	}
}

func (m *mockLink) execInstr(opcode uint16) {
	switch opcode {
	case opMovwR24R30:
		m.dev.regs[24], m.dev.regs[25] = m.dev.regs[30], m.dev.regs[31]
		return
	case opMovwR30R24:
		m.dev.regs[30], m.dev.regs[31] = m.dev.regs[24], m.dev.regs[25]
		return
	case opSPM:
		m.execSPM()
		return
	}

	switch opcode & 0xF800 {
	case 0xB000: // in Rd, ioreg
		reg, ioreg := decodeIO(opcode)
		if int(ioreg) == m.dev.dwdrAddr-0x20 {
			m.dev.dwdrPending = int(reg)
		} else {
			m.dev.regs[reg] = m.dev.io[int(ioreg)]
		}
	case 0xB800: // out ioreg, Rd
		reg, ioreg := decodeIO(opcode)
		if int(ioreg) == m.dev.dwdrAddr-0x20 {
			m.dev.response = append(m.dev.response, m.dev.regs[reg])
		} else {
			m.dev.io[int(ioreg)] = m.dev.regs[reg]
		}
	}
}

// execSPM simulates the one AVR `spm` instruction the way flash.go drives
// it: SPMCSR's current value (staged by the preceding `out`) selects
// erase/fill/commit, exactly mirroring the classic AVR bootloader spm
// state machine so WriteFlashPage can be asserted against actual
// committed flash content rather than just byte-sequence order.
func (m *mockLink) execSPM() {
	switch m.dev.io[int(ioSPMCSR)] {
	case spmPGERS:
		base := m.zPointer() &^ (m.dev.pageSize - 1)
		m.dev.pageBase = base
		m.dev.pageBuf = map[int]byte{}
	case spmSPMEN:
		off := m.zPointer() - m.dev.pageBase
		m.dev.pageBuf[off] = m.dev.regs[0]
		m.dev.pageBuf[off+1] = m.dev.regs[1]
	case spmPGWRT:
		for off, v := range m.dev.pageBuf {
			m.dev.flash[m.dev.pageBase+off] = v
		}
	case spmRWWSRE:
		m.dev.rwwEnabled = true
	}
}
