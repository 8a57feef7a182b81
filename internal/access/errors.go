package access

import "fmt"

// DenyReason is a machine-readable explanation attached to every access
// rejection, so callers can distinguish "nothing found" from "not allowed
// to look".
type DenyReason string

const (
	DenyMissingContext     DenyReason = "missing_context"
	DenyCustomerOutOfScope DenyReason = "customer_out_of_scope"
	DenyTicketOutOfScope   DenyReason = "ticket_out_of_scope"
	DenyCustomerMismatch   DenyReason = "customer_mismatch"
	DenyGlobalNotAllowed   DenyReason = "global_not_allowed"
)

// AccessError is a typed rejection carrying a deny reason. It is surfaced
// to the caller as a rejection, never silently degraded to an empty result.
type AccessError struct {
	Reason DenyReason
	Detail string
}

func (e *AccessError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("access denied: %s", e.Reason)
	}
	return fmt.Sprintf("access denied: %s (%s)", e.Reason, e.Detail)
}

// Denied creates an AccessError.
func Denied(reason DenyReason, detail string) *AccessError {
	return &AccessError{Reason: reason, Detail: detail}
}
