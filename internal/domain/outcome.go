package domain

import "fmt"

// OutcomeKind classifies the result of one node attempt, closed per the
// Design Note in §9 rather than left as an open error interface.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeTransient   OutcomeKind = "transient"
	OutcomeFatal       OutcomeKind = "fatal"
	OutcomeCircuitOpen OutcomeKind = "circuit_open"
	OutcomeTimeout     OutcomeKind = "timeout"
	OutcomeCancelled   OutcomeKind = "cancelled"
)

// Outcome is the sum type an evaluator returns for one node attempt. At most
// one of Kind's associated fields (Err, Output) is meaningful per Kind.
type Outcome struct {
	Kind   OutcomeKind
	Output []byte
	Err    error
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s: %v", o.Kind, o.Err)
	}
	return string(o.Kind)
}

// Retryable reports whether the attempt loop should schedule another attempt
// for this outcome, subject to the policy's remaining attempt budget.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeTransient || o.Kind == OutcomeTimeout
}

func Success(output []byte) Outcome { return Outcome{Kind: OutcomeSuccess, Output: output} }
func Transient(err error) Outcome   { return Outcome{Kind: OutcomeTransient, Err: err} }
func Fatal(err error) Outcome       { return Outcome{Kind: OutcomeFatal, Err: err} }
func CircuitOpen() Outcome          { return Outcome{Kind: OutcomeCircuitOpen} }
func TimedOut(err error) Outcome    { return Outcome{Kind: OutcomeTimeout, Err: err} }
func Cancelled() Outcome            { return Outcome{Kind: OutcomeCancelled} }
