package calls

import "errors"

var (
	// ErrCallNotFound means the call does not exist or is not joinable.
	ErrCallNotFound = errors.New("call not found")
	// ErrActiveCallExists means the room already has an open (waiting or active) call.
	ErrActiveCallExists = errors.New("active call already exists in this room")
	// ErrAlreadyInCall means the user already has an open participant row for the call.
	ErrAlreadyInCall = errors.New("user already in call")
	// ErrNotInCall means the user has no open participant row for the call.
	ErrNotInCall = errors.New("user not in call")
	// ErrNotCreator means a creator-only action was attempted by someone else.
	ErrNotCreator = errors.New("only the call creator can end the call")
	// ErrInvalidKind means the call kind is not video or audio.
	ErrInvalidKind = errors.New("invalid call kind")
)
