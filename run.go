package dwire

import "encoding/binary"

// This file implements the target session lifecycle: connect, reconnect,
// reset, disable, trace, go, and the breakpoint-reached poll. Every
// operation here is synchronous and blocking — none of them overlap with
// a concurrent caller.

// Connect opens the debugWIRE session: break+sync+calibrate, read the
// device signature, select the catalog entry, and reconnect to pick up
// the live PC and cached registers.
func (s *Session) Connect() error {
	if err := s.breakAndSync(); err != nil {
		return err
	}

	if err := s.push([]byte{cmdReadSig}); err != nil {
		return err
	}
	sigBytes, err := s.receive(2)
	if err != nil {
		return err
	}
	if len(sigBytes) != 2 {
		return errProtocol("Connect", "short signature read")
	}
	sig := binary.BigEndian.Uint16(sigBytes)

	dev, ok := LookupSignature(sig)
	if !ok {
		return errUnknownSignature("Connect", sig)
	}
	s.device = &dev
	s.log.WithField("device", dev.Name).Info("dwire: connected")

	return s.Reconnect()
}

// Reconnect reads the device's current word PC and recomputes the host's
// byte PC, then refreshes the r28-r31 cache. It compensates for the
// single-step command incrementing PC twice past the executed instruction:
// the device reports the word PC *after* the instruction that stopped
// execution, so the byte PC is 2*((pcWord-1) mod flashWords).
func (s *Session) Reconnect() error {
	if err := s.push([]byte{cmdReadPC}); err != nil {
		return err
	}
	pcBytes, err := s.receive(2)
	if err != nil {
		return err
	}
	if len(pcBytes) != 2 {
		return errProtocol("Reconnect", "short PC read")
	}
	pcWord := binary.BigEndian.Uint16(pcBytes)

	flashWords := uint16(1)
	if s.device != nil && s.device.flashWords() > 0 {
		flashWords = uint16(s.device.flashWords())
	}
	s.pc = 2 * ((pcWord - 1) % flashWords)

	regs, err := s.GetRegs(28, 4)
	if err != nil {
		return err
	}
	copy(s.regsCache[:], regs)
	return nil
}

// Reset issues a debugWIRE reset, recalibrates baud (the reset pulse
// disturbs timing), and reconnects.
func (s *Session) Reset() error {
	s.log.Debug("dwire: reset")
	if err := s.push([]byte{cmdDwireReset}); err != nil {
		return err
	}
	if err := s.sync(); err != nil {
		return err
	}
	return s.Reconnect()
}

// Disable exits debugWIRE mode; the device re-enters ISP programming mode
// on its next power cycle. The Session should not be used again.
func (s *Session) Disable() error {
	s.log.Info("dwire: disable")
	if err := s.push([]byte{cmdDwireDisable}); err != nil {
		return err
	}
	return s.flush(stateSend)
}

// Trace executes a single instruction: restore the cached Y/Z, set PC,
// issue the single-step command, sync, and reconnect to pick up the new
// PC and registers.
func (s *Session) Trace() error {
	s.log.WithField("pc", s.pc).Debug("dwire: trace")
	if err := s.SetRegs(28, s.regsCache[:]); err != nil {
		return err
	}
	if err := s.push(encSetPC(s.pc / 2)); err != nil {
		return err
	}
	if err := s.push([]byte{modeGoTimersOff, cmdSingleStep}); err != nil {
		return err
	}
	if err := s.sync(); err != nil {
		return err
	}
	return s.Reconnect()
}

// Go resumes execution from the current PC, optionally to the armed
// breakpoint, and waits for the adapter to observe the wire go idle.
func (s *Session) Go() error {
	if bp, ok := s.BP(); ok {
		s.log.WithField("pc", s.pc).WithField("bp", bp).Debug("dwire: go")
	} else {
		s.log.WithField("pc", s.pc).Debug("dwire: go")
	}
	if err := s.SetRegs(28, s.regsCache[:]); err != nil {
		return err
	}
	if err := s.push(encSetPC(s.pc / 2)); err != nil {
		return err
	}

	if bp, ok := s.BP(); ok {
		if err := s.push(encSetBP(bp / 2)); err != nil {
			return err
		}
		if err := s.push([]byte{goMode(s.timerEnable, modeGoToBP, modeGoToBPTimersOff)}); err != nil {
			return err
		}
	} else {
		if err := s.push([]byte{goMode(s.timerEnable, modeGo, modeGoTimersOff)}); err != nil {
			return err
		}
	}

	if err := s.push([]byte{cmdContinue}); err != nil {
		return err
	}
	return s.wait()
}

// ReachedBreakpoint polls the wire directly (bypassing the coalescing
// buffer, matching the original firmware's bare status probe) to ask
// whether the target has stopped since the last Go.
func (s *Session) ReachedBreakpoint() (bool, error) {
	var status [10]byte
	n, err := s.link.ControlIn(0, status[:])
	if err != nil {
		return false, errTransport("ReachedBreakpoint", err)
	}
	return n > 0 && status[0] != 0, nil
}
