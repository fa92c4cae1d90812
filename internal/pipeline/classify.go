package pipeline

import "github.com/cwygoda/fetcher/internal/domain"

// Outcome is how a failed run is reported and settled.
type Outcome struct {
	Status domain.Status
	// Ack removes the message; otherwise it is returned for redelivery.
	Ack bool
}

// Classify maps a run error to its outcome. Stalls and invalid jobs are
// acknowledged since redelivery cannot help them.
func Classify(err error) Outcome {
	switch {
	case domain.IsStall(err):
		return Outcome{Status: domain.StatusStalled, Ack: true}
	case domain.IsPermanent(err):
		return Outcome{Status: domain.StatusFailed, Ack: true}
	default:
		return Outcome{Status: domain.StatusFailed, Ack: false}
	}
}
