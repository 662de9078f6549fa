package replica

// Phase is the process-wide replica phase. Exactly one phase is active at any
// time; all transitions go through the controller's event loop, which services
// one phase to completion before picking up the next request.
type Phase int32

const (
	PhaseNormal Phase = iota
	PhaseStateTransfer
	PhaseViewInstall
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseStateTransfer:
		return "state-transfer"
	case PhaseViewInstall:
		return "view-install"
	default:
		return "unknown"
	}
}
