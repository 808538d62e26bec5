package types

import "errors"

// Stable decision and failure codes. Denies are resolved locally (deny and
// log); they never propagate as errors that a caller could accidentally turn
// into an allow.
var (
	ErrGrantNotFound = errors.New("GRANT_NOT_FOUND")
	ErrViewNotFound  = errors.New("VIEW_NOT_FOUND")
	ErrGrantRevoked  = errors.New("GRANT_ALREADY_REVOKED")
)

const (
	ReasonOwner          = "OWNER"
	ReasonGrant          = "GRANT"
	ReasonNotAuthorized  = "NOT_AUTHORIZED"
	ReasonGrantExhausted = "GRANT_EXHAUSTED"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionExport Action = "export"
	ActionCopy   Action = "copy"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionExport, ActionCopy:
		return true
	default:
		return false
	}
}

// IsWrite drives violation severity: attempted writes are high, reads medium.
func (a Action) IsWrite() bool { return a == ActionWrite }

// Caller is the identity/session collaborator's resolved output for one
// request: trusted input, authenticated upstream.
type Caller struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

// Decision is the evaluator's verdict. The deny reason distinguishes
// exhaustion for operators; callers see the same generic denial either way.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	GrantID string `json:"grant_id,omitempty"`
}
