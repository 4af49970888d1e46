package exchange

import "errors"

var (
	ErrGroupNotFound         = errors.New("group not found")
	ErrNotEnoughParticipants = errors.New("not enough participants")
	ErrAlreadyDrawn          = errors.New("group already drawn")
	ErrNoValidAssignment     = errors.New("no valid assignment found")
	ErrStorageFailure        = errors.New("storage failure")

	ErrInvalidInput        = errors.New("invalid input")
	ErrNotDrawn            = errors.New("group not drawn yet")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidExclusion    = errors.New("invalid exclusion rule")
	ErrDrawInProgress      = errors.New("draw already in progress")
)
