package vdisplay

import "fmt"

// frameState tracks where the current frame is in the producer protocol.
// The display server is trusted to drive the protocol correctly in
// production, so illegal transitions are observed and logged rather than
// blocked; the state always advances best-effort.
type frameState int

const (
	// stateIdle: no frame in flight.
	stateIdle frameState = iota

	// statePrepared: PrepareFrame declared the composition type.
	statePrepared

	// stateGLES: the GPU path dequeued a buffer to render into.
	stateGLES

	// stateGLESDone: the GPU path queued its rendered buffer.
	stateGLESDone

	// stateHWC: AdvanceFrame handed buffers to the hardware composer.
	stateHWC
)

// String returns the state name for diagnostics.
func (s frameState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case statePrepared:
		return "PREPARED"
	case stateGLES:
		return "GLES"
	case stateGLESDone:
		return "GLES_DONE"
	case stateHWC:
		return "HWC"
	default:
		return "<INVALID>"
	}
}

// ProtocolViolation describes a producer-protocol call made in an
// unexpected state. Violations are non-fatal: the surface logs them,
// hands them to the observer installed with WithProtocolObserver, and
// continues best-effort.
type ProtocolViolation struct {
	// Op is the operation that was called out of order.
	Op string

	// State is the frame state the surface was in.
	State string

	// Detail carries extra context, for example the slot involved.
	Detail string
}

// Error-style message for logs and test output.
func (v ProtocolViolation) String() string {
	msg := fmt.Sprintf("unexpected %s in %s state", v.Op, v.State)
	if v.Detail != "" {
		msg += " (" + v.Detail + ")"
	}
	return msg
}

// transition moves the state machine to next, returning a violation
// observation if the current state was not one of allowed. The move
// happens regardless, matching the fault-tolerant posture of the protocol.
func (s *Surface) transition(op string, next frameState, allowed ...frameState) {
	cur := s.state
	s.state = next
	for _, a := range allowed {
		if cur == a {
			return
		}
	}
	s.observeViolation(ProtocolViolation{Op: op, State: cur.String()})
}

// observeViolation logs and delivers a protocol violation.
func (s *Surface) observeViolation(v ProtocolViolation) {
	Logger().Warn(v.String(), "display", s.name)
	if s.observer != nil {
		s.observer(v)
	}
}
