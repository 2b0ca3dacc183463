package calls

import "errors"

// Error taxonomy, in rejection order:
//   - validation: bad input, nothing was checked against state yet
//   - admission: the call may not be created (busy, offline, wrong membership)
//   - authorization: caller is not allowed to touch this call
//   - state conflict: someone else already resolved the call; resync, don't retry
//   - delivery: a load-bearing side effect failed, the call was forced to failed
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidCallType   = errors.New("invalid call type")
	ErrInvalidSignalType = errors.New("invalid signal type")

	ErrCallNotFound = errors.New("call not found")

	ErrNotTwoParty        = errors.New("conversation does not have exactly two participants")
	ErrNotParticipant     = errors.New("user is not a participant")
	ErrParticipantOffline = errors.New("participant is offline")
	ErrUserBusy           = errors.New("user already has a call in progress")

	ErrAnswerOwnCall = errors.New("initiator cannot answer their own call")
	ErrWrongState    = errors.New("call already resolved")

	// ErrDeliveryFailed means a load-bearing notification or relay forward
	// could not be completed; the call has been demoted to failed.
	ErrDeliveryFailed = errors.New("delivery failed, call marked failed")
)
