package dwire

// This file implements register access and SRAM read/write, including
// the critical rule that r28-r31 and the DWDR I/O register must
// never be touched by the bulk-access micro-programs that implement them,
// since those very registers (Y/Z, and the DWDR MMIO byte the micro-program
// shuttles bytes through) are what the micro-program uses internally.

// GetRegs reads count registers starting at first. A single register uses
// the fast `out DWDR,reg` path so as not to disturb PC/BP; a run of
// registers uses the register-read virtual-instruction micro-program.
func (s *Session) GetRegs(first byte, count int) ([]byte, error) {
	if count == 1 {
		if err := s.push(encAVROut(s.dwdrIOReg(), first)); err != nil {
			return nil, err
		}
		return s.receive(1)
	}

	if err := s.push(encSetPC(uint16(first))); err != nil {
		return nil, err
	}
	if err := s.push(encSetBP(uint16(int(first) + count))); err != nil {
		return nil, err
	}
	if err := s.push([]byte{modeVirtual, modeSelect, subRegRead, 0x20}); err != nil {
		return nil, err
	}
	return s.receive(count)
}

// SetReg writes a single register through the DWDR fast path.
func (s *Session) SetReg(reg byte, val byte) error {
	if err := s.push(encAVRIn(reg, s.dwdrIOReg())); err != nil {
		return err
	}
	return s.push([]byte{val})
}

// SetRegs writes count registers starting at first. Three or fewer use
// single-register writes; longer runs use the register-write
// virtual-instruction micro-program.
func (s *Session) SetRegs(first byte, values []byte) error {
	if len(values) <= 3 {
		for i, v := range values {
			if err := s.SetReg(first+byte(i), v); err != nil {
				return err
			}
		}
		return nil
	}

	if err := s.push(encSetPC(uint16(first))); err != nil {
		return err
	}
	if err := s.push(encSetBP(uint16(int(first) + len(values)))); err != nil {
		return err
	}
	if err := s.push([]byte{modeVirtual, modeSelect, subRegWrite, 0x20}); err != nil {
		return err
	}
	if err := s.push(values); err != nil {
		return err
	}
	return s.flush(stateSend)
}

// SetZ writes the Z pointer (r30 = ZL, r31 = ZH) via SetRegs.
func (s *Session) SetZ(addr uint16) error {
	return s.SetRegs(30, []byte{lo(addr), hi(addr)})
}

func (s *Session) dwdrIOReg() byte {
	if s.device == nil {
		return 0
	}
	return byte(s.device.DWDRIOReg())
}

func (s *Session) dwdrAddr() int {
	if s.device == nil {
		return -1
	}
	return s.device.DWDRAddr
}

// unsafeReadAddr issues one direct SRAM read burst. Callers must never
// pass a range overlapping r28-r31 or the DWDR address: the read
// micro-program itself uses those to move data.
func (s *Session) unsafeReadAddr(addr int, length int) ([]byte, error) {
	if err := s.SetZ(uint16(addr)); err != nil {
		return nil, err
	}
	if err := s.push(encSetPC(0)); err != nil {
		return nil, err
	}
	if err := s.push(encSetBP(uint16(2 * length))); err != nil {
		return nil, err
	}
	if err := s.push([]byte{modeVirtual, modeSelect, subSRAMRead, 0x20}); err != nil {
		return nil, err
	}
	return s.receive(length)
}

// ReadAddr reads len bytes from SRAM address addr, substituting cached
// register values for r28-r31 and a dummy zero for DWDR.
func (s *Session) ReadAddr(addr int, length int) ([]byte, error) {
	out := make([]byte, 0, length)

	// [addr, min(addr+len, 28)) — direct read.
	if n := min(length, 28-addr); n > 0 {
		buf, err := s.unsafeReadAddr(addr, n)
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
		addr += n
		length -= n
	}

	// [28,32) ∩ range — served from the register cache.
	for addr >= 28 && addr <= 31 && length > 0 {
		out = append(out, s.regsCache[addr-28])
		addr++
		length--
	}

	dwdr := s.dwdrAddr()

	// [32, dwdrAddr) ∩ range — direct read.
	if n := min(length, dwdr-addr); n > 0 {
		buf, err := s.unsafeReadAddr(addr, n)
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
		addr += n
		length -= n
	}

	// dwdrAddr — dummy zero byte, the register itself is unreadable this way.
	if addr == dwdr && length > 0 {
		out = append(out, 0)
		addr++
		length--
	}

	// Anything beyond DWDR, chunked to the configured burst size.
	for length > 0 {
		n := min(length, s.cfg.MaxSRAMBurst)
		buf, err := s.unsafeReadAddr(addr, n)
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
		addr += n
		length -= n
	}

	return out, nil
}

// WriteAddr writes buf to SRAM starting at addr using the Z-post-increment
// `st` micro-program. Writes to r28-r31 never touch the bus: r30/r31 ARE
// the pointer register the micro-program itself walks, so a bus write
// there would corrupt the walk, and the micro-programs clobber r28/r29 as
// well. The cache is updated instead so a later resume restores the
// intended Y/Z.
func (s *Session) WriteAddr(addr int, buf []byte) error {
	if err := s.SetZ(uint16(addr)); err != nil {
		return err
	}
	if err := s.push(encSetBP(3)); err != nil {
		return err
	}
	if err := s.push([]byte{modeVirtual, modeSelect, subSRAMWrite}); err != nil {
		return err
	}

	dwdr := s.dwdrAddr()
	limit := addr + len(buf)
	for i := 0; addr < limit; i++ {
		b := buf[i]
		if addr < 28 || (addr > 31 && addr != dwdr) {
			if err := s.push(encSetPC(1)); err != nil {
				return err
			}
			if err := s.push([]byte{0x20, b}); err != nil {
				return err
			}
		} else if addr >= 28 && addr <= 31 {
			s.regsCache[addr-28] = b
		}
		addr++
		if err := s.SetZ(uint16(addr)); err != nil {
			return err
		}
	}
	return nil
}
