package pipeline

import (
	"github.com/sirupsen/logrus"
)

// teardownStack collects release actions for acquired resources (loop
// device, mount tree, bind mounts...). Steps run at most once: the happy
// path releases them explicitly in its required order, the unwind catches
// whatever is left after a failure, in reverse acquisition order.
type teardownStack struct {
	steps []*teardownStep
}

type teardownStep struct {
	name string
	fn   func() error
	done bool
}

func (s *teardownStack) push(name string, fn func() error) {
	s.steps = append(s.steps, &teardownStep{name: name, fn: fn})
}

// release runs the named step now.
func (s *teardownStack) release(name string) error {
	for _, step := range s.steps {
		if step.name == name && !step.done {
			step.done = true
			return step.fn()
		}
	}
	return nil
}

// unwind runs every remaining step in reverse order, collecting errors.
// Teardown failures never mask the build error the caller already holds.
func (s *teardownStack) unwind() []error {
	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.done {
			continue
		}
		step.done = true
		if err := step.fn(); err != nil {
			logrus.Errorf("teardown of %s failed: %v", step.name, err)
			errs = append(errs, err)
		}
	}
	return errs
}
