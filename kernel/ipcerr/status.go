package ipcerr

// Status is a non-error outcome for calls that can succeed in more than one
// way.
type Status int

const (
	StatusSuccess Status = iota
	// StatusAlreadySetup is returned by second and later Setup calls.
	StatusAlreadySetup
	// StatusOpenHandles is returned by Delete when other handles to the
	// instance were still open. The instance is deleted regardless.
	StatusOpenHandles
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusAlreadySetup:
		return "already-setup"
	case StatusOpenHandles:
		return "deleted-with-open-handles"
	default:
		return "unknown"
	}
}
