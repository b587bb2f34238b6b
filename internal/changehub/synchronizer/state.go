package synchronizer

import "fmt"

// State is the step a synchronizer is in.
type State int

const (
	// Idle synchronizers run no operation.
	Idle State = iota
	// Pulling fetches the packages after the local tip.
	Pulling
	// Merging applies a fetched package to the local document.
	Merging
	// Acquiring obtains the locks and names the pending edits need.
	Acquiring
	// Committing builds the payload of the pending edits.
	Committing
	// Pushing appends the package to the history.
	Pushing
	// Failed is entered when an operation surfaces an error. The next operation starts from
	// Idle again.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pulling:
		return "pulling"
	case Merging:
		return "merging"
	case Acquiring:
		return "acquiring"
	case Committing:
		return "committing"
	case Pushing:
		return "pushing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
