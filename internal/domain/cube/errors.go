package cube

import "errors"

// Precondition violations. Callers wrap them with the detailed reason, e.g.
// fmt.Errorf("%w: waiting on 2 of 5 members to pay", ErrNotAllPaid).
var (
	ErrCubeNotFound       = errors.New("cube not found")
	ErrMemberNotFound     = errors.New("member not found")
	ErrWinnerNotFound     = errors.New("cycle winner not found")
	ErrInvalidCube        = errors.New("invalid cube parameters")
	ErrCubeNotDraft       = errors.New("cube is not in draft")
	ErrCubeNotActive      = errors.New("cube not active")
	ErrCubeClosed         = errors.New("cube is completed or cancelled")
	ErrNotFirstCycle      = errors.New("manual start is only allowed for the first cycle")
	ErrNotAdmin           = errors.New("member is not a cube admin")
	ErrMemberMismatch     = errors.New("member does not match the requesting user")
	ErrCubeNotFull        = errors.New("cube is not full")
	ErrCubeFull           = errors.New("cube is already full")
	ErrDuplicateMember    = errors.New("user is already a member of this cube")
	ErrNotAllPaid         = errors.New("not all members have paid")
	ErrCycleNotDue        = errors.New("cycle not yet due")
	ErrCycleAlreadyClosed = errors.New("cycle already closed")
	ErrWrongCycle         = errors.New("payment is for a cycle other than the current one")
	ErrDuplicateWinner    = errors.New("winner already recorded for this cycle")
	ErrNoEligibleMembers  = errors.New("no eligible members to select from")
	ErrNotAuthorized      = errors.New("performing user is not authorized as an admin")
)
