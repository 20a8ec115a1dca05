package agent

import (
	"errors"

	"github.com/rahul/matseg/internal/store"
)

// ErrPlanning marks a run-ending failure of the planning oracle.
var ErrPlanning = errors.New("planning failed")

// ErrInvalidDecision marks oracle output that does not match the decision schema.
var ErrInvalidDecision = errors.New("invalid decision")

// ErrUnknownTool marks a tool tag outside the known set.
var ErrUnknownTool = store.ErrUnknownTool

var (
	ErrNoPoints       = errors.New("no interaction points provided")
	ErrUnknownSession = errors.New("unknown session")
	ErrSegmentation   = errors.New("segmentation failed")
)
