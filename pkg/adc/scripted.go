package adc

import "sync"

// Step is one scripted conversion result.
type Step struct {
	Value uint16
	Err   error
}

// Scripted replays a fixed sample sequence per pin. Used by tests to drive the
// measurement loop deterministically.
type Scripted struct {
	mu    sync.Mutex
	steps map[uint8][]Step
	reads map[uint8]int
	// Hold keeps returning the last step once a pin's script runs out.
	Hold bool
}

// NewScripted creates an empty script.
func NewScripted() *Scripted {
	return &Scripted{
		steps: make(map[uint8][]Step),
		reads: make(map[uint8]int),
	}
}

// Values appends successful conversions for pin.
func (s *Scripted) Values(pin uint8, values ...uint16) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range values {
		s.steps[pin] = append(s.steps[pin], Step{Value: v})
	}
	return s
}

// Fail appends a failing conversion for pin.
func (s *Scripted) Fail(pin uint8, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[pin] = append(s.steps[pin], Step{Err: err})
	return s
}

// Read pops the next step for pin.
func (s *Scripted) Read(pin uint8) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads[pin]++
	queue := s.steps[pin]
	if len(queue) == 0 {
		return 0, &ChannelError{Pin: pin, Err: ErrScriptExhausted}
	}

	step := queue[0]
	if len(queue) > 1 || !s.Hold {
		s.steps[pin] = queue[1:]
	}
	if step.Err != nil {
		return 0, &ChannelError{Pin: pin, Err: step.Err}
	}
	return step.Value, nil
}

// Reads returns how many times pin was read.
func (s *Scripted) Reads(pin uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[pin]
}
