package domain

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Trigger modes
const (
	ModeDispatch = "dispatch"
	ModeRetry    = "retry"
)

// Trigger asks a worker to run one bounded cycle for an origin.
type Trigger struct {
	Origin string `json:"origin"`
	Mode   string `json:"mode"`
}

// Validate checks the mode and that origin is non-empty.
func (t Trigger) Validate() error {
	if t.Origin == "" {
		return fmt.Errorf("%w: origin is required", ErrInvalidTrigger)
	}
	if t.Mode != ModeDispatch && t.Mode != ModeRetry {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidTrigger, t.Mode)
	}
	return nil
}

func (t Trigger) String() string {
	return t.Origin + "/" + t.Mode
}

// TriggerMessage is a parsed trigger with the delivery that must be settled.
type TriggerMessage struct {
	Trigger  Trigger
	Delivery amqp.Delivery
}
