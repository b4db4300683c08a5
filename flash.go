package dwire

// This file implements EEPROM and flash-page programming. These
// operations add no new adapter request shapes or debugWIRE control-state
// bytes; they are purely scripted sequences of load_ir/exec through the
// existing encoder and frame buffer, exactly like every other
// virtual-instruction script this package emits.
//
// The literal instruction words below are named constants rather than
// inline magic numbers so this file stays auditable against the AVR OCD
// reference: each is exactly the opcode the original debugWIRE notes
// document for these five sequences (EEPROM read, EEPROM write, page
// erase, page fill, page commit + re-enable RWW).

// Classic AVR I/O addresses used by the EEPROM/SPM sequences below.
const (
	ioEECR   byte = 0x1C
	ioEEDR   byte = 0x1D
	ioEEARL  byte = 0x1E
	ioEEARH  byte = 0x1F
	ioSPMCSR byte = 0x37
)

// EECR control bits.
const (
	eecrEERE  byte = 0x01 // EEPROM read enable
	eecrEEWE  byte = 0x02 // EEPROM write enable
	eecrEEMWE byte = 0x04 // EEPROM master write enable
)

// SPMCSR control bits/commands.
const (
	spmPGERS  byte = 0x03 // page erase
	spmSPMEN  byte = 0x01 // store program memory enable
	spmPGWRT  byte = 0x05 // page write
	spmRWWSRE byte = 0x11 // re-enable the read-while-write section
)

// cmdExecSlowIR (0x33) is the single-step-via-loaded-instruction variant
// used specifically for `spm`: the instruction takes many cycles, so the
// device signals completion with a break and a 0x55 sync pulse instead of
// returning immediately, per DwPort.c's command table.
const cmdExecSlowIR byte = 0x33

func encLoadIRSlow(opcode uint16) []byte {
	return []byte{cmdLoadIR, hi(opcode), lo(opcode), cmdExecSlowIR}
}

// opMovwR24R30 is `movw r24,r30` (r24:r25 <- Z), used to stage Z into the
// register pair the erase/write sequences read the page address from.
const opMovwR24R30 uint16 = 0x01CF

// opOutSPMCSRr26/opOutSPMCSRr28 are `out SPMCSR,rN` for the SPMCSR values
// the page program sequence writes (erase, then write/re-enable RWW); the
// source register differs per step because each value is staged in a
// different scratch register in the original sequence.
const (
	opOutSPMCSRr26 uint16 = 0xBFA7
	opOutSPMCSRr28 uint16 = 0xBFC7
)

// opSPM is the `spm` instruction itself.
const opSPM uint16 = 0x95E8

// opMovwR30R24 is `movw r30,r24`, used to restore Z for the write phase.
const opMovwR30R24 uint16 = 0x01FC

// ReadEEPROM reads a single EEPROM byte at addr via the standard
// EEARH/EEARL/EECR(EERE)/EEDR sequence, shuttled back through DWDR.
func (s *Session) ReadEEPROM(addr uint16) (byte, error) {
	if err := s.SetRegs(30, []byte{lo(addr), hi(addr)}); err != nil {
		return 0, err
	}
	if err := s.push(encAVROut(ioEEARH, 31)); err != nil {
		return 0, err
	}
	if err := s.push(encAVROut(ioEEARL, 30)); err != nil {
		return 0, err
	}
	if err := s.SetReg(28, eecrEERE); err != nil {
		return 0, err
	}
	if err := s.push(encAVROut(ioEECR, 28)); err != nil {
		return 0, err
	}
	if err := s.push(encAVRIn(0, ioEEDR)); err != nil {
		return 0, err
	}
	if err := s.push(encAVROut(s.dwdrIOReg(), 0)); err != nil {
		return 0, err
	}

	buf, err := s.receive(1)
	if err != nil {
		return 0, err
	}
	if len(buf) != 1 {
		return 0, errProtocol("ReadEEPROM", "short read")
	}
	return buf[0], nil
}

// WriteEEPROM writes a single EEPROM byte at addr via the standard
// EEARH/EEARL/EEDR/EECR(EEMWE,EEWE) sequence.
func (s *Session) WriteEEPROM(addr uint16, val byte) error {
	if err := s.SetRegs(30, []byte{lo(addr), hi(addr)}); err != nil {
		return err
	}
	if err := s.push(encAVROut(ioEEARH, 31)); err != nil {
		return err
	}
	if err := s.push(encAVROut(ioEEARL, 30)); err != nil {
		return err
	}
	if err := s.SetReg(0, val); err != nil {
		return err
	}
	if err := s.push(encAVROut(ioEEDR, 0)); err != nil {
		return err
	}
	if err := s.SetReg(26, eecrEEMWE); err != nil {
		return err
	}
	if err := s.push(encAVROut(ioEECR, 26)); err != nil {
		return err
	}
	if err := s.SetReg(27, eecrEEWE); err != nil {
		return err
	}
	if err := s.push(encAVROut(ioEECR, 27)); err != nil {
		return err
	}
	return s.flush(stateSend)
}

// WriteFlashPage erases and writes one flash page at addr. len(data) must
// equal the device's page size; data is written a word (2 bytes) at a
// time via the standard erase/fill/commit/RWW-reenable spm sequence. The
// erase, commit and RWW-reenable spm steps are each awaited with sync,
// which is exactly what the original notes' "<00 55>" markers denote: a
// break followed by a 0x55 resync pulse once the (slow) spm instruction
// completes. The page-buffer fill spm steps are issued without a sync.
func (s *Session) WriteFlashPage(addr uint16, data []byte) error {
	if s.device != nil && len(data) != s.device.PageSize {
		return errProtocol("WriteFlashPage", "data length does not match device page size")
	}

	if err := s.SetZ(addr); err != nil {
		return err
	}

	// Erase the page: stage Z into r24:r25, load PGERS into r26, spm.
	if err := s.push(encLoadIR(opMovwR24R30)); err != nil {
		return err
	}
	if err := s.SetReg(26, spmPGERS); err != nil {
		return err
	}
	if err := s.push(encLoadIR(opOutSPMCSRr26)); err != nil {
		return err
	}
	if err := s.push(encLoadIRSlow(opSPM)); err != nil {
		return err
	}
	if err := s.sync(); err != nil {
		return err
	}

	// Fill the temporary page buffer one word at a time via r0/r1.
	if err := s.SetZ(addr); err != nil {
		return err
	}
	for i := 0; i+1 < len(data); i += 2 {
		if err := s.SetReg(0, data[i]); err != nil {
			return err
		}
		if err := s.SetReg(1, data[i+1]); err != nil {
			return err
		}
		if err := s.SetReg(28, spmSPMEN); err != nil {
			return err
		}
		if err := s.push(encLoadIR(opOutSPMCSRr28)); err != nil {
			return err
		}
		if err := s.push(encLoadIR(opSPM)); err != nil {
			return err
		}
		// Advance the page-buffer pointer by one word (the effect of
		// `adiw Z,2`) by rewriting Z from the host.
		if err := s.SetZ(addr + uint16(i) + 2); err != nil {
			return err
		}
	}

	// Commit the page: restore Z from r24:r25, load PGWRT, spm.
	if err := s.push(encLoadIR(opMovwR30R24)); err != nil {
		return err
	}
	if err := s.SetReg(28, spmPGWRT); err != nil {
		return err
	}
	if err := s.push(encLoadIR(opOutSPMCSRr28)); err != nil {
		return err
	}
	if err := s.push(encLoadIRSlow(opSPM)); err != nil {
		return err
	}
	if err := s.sync(); err != nil {
		return err
	}

	// Re-enable the read-while-write section.
	if err := s.SetReg(28, spmRWWSRE); err != nil {
		return err
	}
	if err := s.push(encLoadIR(opOutSPMCSRr28)); err != nil {
		return err
	}
	if err := s.push(encLoadIRSlow(opSPM)); err != nil {
		return err
	}
	return s.sync()
}
