package state

// Journal is an undo log for in-memory engine state. Every mutation made
// through the ledgers appends the closure that reverses it, so a command that
// fails halfway (rejected transfer, failed post-check) can be rolled back to
// the snapshot taken before it started.
//
// A nil *Journal records nothing; restore paths use that.
type Journal struct {
	undo []func()
}

func NewJournal() *Journal {
	return &Journal{}
}

// Append records an undo step.
func (j *Journal) Append(fn func()) {
	if j == nil {
		return
	}
	j.undo = append(j.undo, fn)
}

// Snapshot returns an id that RevertToSnapshot can roll back to.
func (j *Journal) Snapshot() int {
	if j == nil {
		return 0
	}
	return len(j.undo)
}

// RevertToSnapshot undoes every step recorded after id, newest first.
func (j *Journal) RevertToSnapshot(id int) {
	if j == nil {
		return
	}
	for i := len(j.undo) - 1; i >= id; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:id]
}

// Len reports the number of recorded steps.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.undo)
}
