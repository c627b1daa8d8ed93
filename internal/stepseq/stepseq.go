// Package stepseq chains named steps that run only while no prior step
// has failed. It is used by catalog.AcquireStandby and by the phash
// builder's final sync/close: each step is named so a failure can be
// attributed to the exact step that rejected it, rather than to the
// sequence as a whole.
package stepseq

import "fmt"

// Seq runs a chain of named steps in order, short-circuiting at the
// first failure.
type Seq struct {
	failedStep string
	errs       errList
}

type errList []error

func (e errList) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := e[0].Error()
	for _, err := range e[1:] {
		msg += "; " + err.Error()
	}
	return msg
}

// New starts a new step sequence.
func New() *Seq {
	return new(Seq)
}

// Then runs f under the given step name, unless a previous step already
// failed. The name is attached to any resulting error so Err / FailedStep
// can report which step rejected the sequence.
func (s *Seq) Then(name string, f func() error) *Seq {
	if len(s.errs) > 0 {
		return s
	}
	if err := f(); err != nil {
		s.failedStep = name
		s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
	}
	return s
}

// ThenErrs runs a step that has already produced zero or more errors
// (e.g. a batch of independent checks), recording all non-nil ones.
func (s *Seq) ThenErrs(name string, errs ...error) *Seq {
	if len(s.errs) > 0 {
		return s
	}
	var nonNil errList
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) > 0 {
		s.failedStep = name
		for _, err := range nonNil {
			s.errs = append(s.errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return s
}

// Err returns the accumulated error, or nil if every step succeeded.
func (s *Seq) Err() error {
	if len(s.errs) == 0 {
		return nil
	}
	return s.errs
}

// FailedStep returns the name of the first step that failed, or "" if
// none did.
func (s *Seq) FailedStep() string {
	return s.failedStep
}
