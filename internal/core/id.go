package core

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewTaskID returns an identifier of the form task_<12 hex chars>.
func NewTaskID() string {
	return "task_" + shortHex()
}

// NewExecutionID returns an identifier of the form exec_<12 hex chars>.
func NewExecutionID() string {
	return "exec_" + shortHex()
}

func shortHex() string {
	id := uuid.New()
	return hex.EncodeToString(id[:6])
}
