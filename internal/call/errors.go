package call

import "errors"

var (
	ErrCallInProgress    = errors.New("call: another call is in progress")
	ErrNoActiveCall      = errors.New("call: no active call")
	ErrNoIncomingCall    = errors.New("call: no incoming call to answer")
	ErrInvalidTarget     = errors.New("call: invalid call target")
	ErrControllerClosed  = errors.New("call: controller closed")
	ErrNoLocalMedia      = errors.New("call: no local track of that kind")
	ErrInvalidTransition = errors.New("call: invalid state transition")

	// ErrCallAborted is returned by StartCall or AcceptCall when the call is
	// ended before the operation completes.
	ErrCallAborted    = errors.New("call: call ended before it was established")
	ErrConnectTimeout = errors.New("call: media connection not established in time")
	ErrConnectFailed  = errors.New("call: media connection failed")
)
