package domain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Destination names the system an Operation is delivered to.
type Destination string

const (
	DestinationCRM           Destination = "crm"
	DestinationFieldPlatform Destination = "field_platform"
	DestinationRelational    Destination = "relational"
)

// Operation is one idempotent upsert against a destination system. Key is
// the stable identifier the destination upserts on, so redelivering the same
// operation leaves the destination unchanged.
type Operation struct {
	Name        string
	Destination Destination
	// Object is the CRM sObject, the field-platform case type or the table name.
	Object   string
	KeyField string
	Key      string
	Fields   map[string]any
	// DependsOn names earlier operations in the same plan that must have
	// succeeded before this one runs.
	DependsOn []string
}

// Mode selects how a plan's operations are delivered.
type Mode int

const (
	// ModeSequential delivers operations strictly in declared order and stops
	// at the first failure.
	ModeSequential Mode = iota
	// ModeFanOut delivers independent operations concurrently.
	ModeFanOut
)

func (m Mode) String() string {
	switch m {
	case ModeFanOut:
		return "fan_out"
	default:
		return "sequential"
	}
}

// Plan is the output of a transform: operations plus how to deliver them.
type Plan struct {
	Mode       Mode
	Operations []Operation
}

// Validate checks that every operation has a key and, in sequential mode,
// that dependencies only point at earlier operations.
func (p Plan) Validate() error {
	seen := make(map[string]bool, len(p.Operations))
	for i, op := range p.Operations {
		if op.Name == "" {
			return fmt.Errorf("operation %d has no name", i+1)
		}
		if op.Key == "" {
			return fmt.Errorf("operation %s has no upsert key", op.Name)
		}
		for _, dep := range op.DependsOn {
			if p.Mode == ModeFanOut {
				return fmt.Errorf("operation %s declares dependency %s in fan-out mode", op.Name, dep)
			}
			if !seen[dep] {
				return fmt.Errorf("operation %s depends on %s which is not declared before it", op.Name, dep)
			}
		}
		seen[op.Name] = true
	}
	return nil
}

// StableKey derives a deterministic upsert key from its parts, for
// destinations where the payload carries no natural identifier.
func StableKey(parts ...string) string {
	sum := blake3.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:16])
}
