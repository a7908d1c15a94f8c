package core

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusRunning, TaskStatusCanceled},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled},
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves status.
func (s TaskStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

func checkStart(t *Task) error {
	if t.Status != TaskStatusPending {
		return &TransitionError{Op: "start", From: t.Status}
	}
	return nil
}

func checkStop(t *Task) error {
	if !CanTransition(t.Status, TaskStatusCanceled) {
		return &TransitionError{Op: "stop", From: t.Status}
	}
	return nil
}

func checkEdit(t *Task) error {
	if t.Status == TaskStatusRunning {
		return &TransitionError{Op: "edit", From: t.Status}
	}
	return nil
}
