package runtime

import (
	"errors"
	"fmt"
)

// ErrNoEligibleSpecialist is returned when no workspace specialist passes
// the delegation policy for the calling actor.
var ErrNoEligibleSpecialist = errors.New("no specialist agents are eligible for delegation")

// PermissionError reports a policy or ACL denial.
type PermissionError struct {
	Reason string
}

func (e PermissionError) Error() string {
	return e.Reason
}

// ApprovalRequiredError aborts a goal execution that needs a human decision.
// The carried approval id lets the caller retry the same goal once the
// request is approved.
type ApprovalRequiredError struct {
	ApprovalID string
	Reason     string
}

func (e ApprovalRequiredError) Error() string {
	return fmt.Sprintf("%s (approval %s)", e.Reason, e.ApprovalID)
}
