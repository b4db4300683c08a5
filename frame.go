package dwire

// This file implements the frame buffer: a byte-level coalescing buffer
// over the adapter transport that guarantees a debugWIRE read transaction
// is always preceded by at least one outgoing byte in the same
// state-tagged transfer.

// push appends bytes to the outgoing buffer, flushing 128-byte chunks
// with a send-only state as needed to keep the buffer within its fixed
// capacity.
func (s *Session) push(data []byte) error {
	for s.outLen+len(data) > len(s.outBuf) {
		room := len(s.outBuf) - s.outLen
		copy(s.outBuf[s.outLen:], data[:room])
		if err := s.sendBytes(stateSend, s.outBuf[:]); err != nil {
			return err
		}
		s.outLen = 0
		data = data[room:]
	}
	copy(s.outBuf[s.outLen:], data)
	s.outLen += len(data)
	return nil
}

// flush issues a single OUT transfer carrying the accumulated bytes under
// the given state tag, or does nothing if the buffer is empty.
func (s *Session) flush(state byte) error {
	if s.outLen == 0 {
		return nil
	}
	err := s.sendBytes(state, s.outBuf[:s.outLen])
	s.outLen = 0
	return err
}

// receive stages any pending outgoing bytes together with the read
// request (send+read), then pulls n bytes back. A short but nonzero read
// is not an error: the caller interprets the actual count.
func (s *Session) receive(n int) ([]byte, error) {
	if n > len(s.outBuf) {
		return nil, errProtocol("receive", "requested read exceeds 128-byte transaction limit")
	}
	if err := s.flush(stateSendRead); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	got, err := s.receivePolicy().run(func() (int, error) {
		return s.link.ControlIn(0, buf)
	})
	if err != nil {
		return nil, errTransport("receive", err)
	}
	if got < 0 {
		got = 0
	}
	return buf[:got], nil
}

// sync flushes with the capture state and recalibrates baud from the
// resulting 0x55 sync pulses.
func (s *Session) sync() error {
	if err := s.flush(stateSendCapture); err != nil {
		return err
	}
	if !s.setBaud() {
		return errCalibration("sync", errString("could not read back timings following transfer and sync command"))
	}
	return nil
}

// wait flushes with the send+wait state: the adapter sends the buffered
// bytes and then polls the wire for a level transition. The exact wake
// condition is adapter firmware detail this package treats as an opaque
// barrier.
func (s *Session) wait() error {
	return s.flush(stateSendWait)
}
