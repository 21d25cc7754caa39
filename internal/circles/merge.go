package circles

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports the request fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fields: %s", strings.Join(e.Fields, ", "))
}

func newValidationError(fields ...string) error {
	return &ValidationError{Fields: fields}
}

const maxKeyLength = 190

func validKey(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && len(trimmed) <= maxKeyLength
}

func validOptionalKey(value string) bool {
	return len(strings.TrimSpace(value)) <= maxKeyLength
}

func validAmount(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return true
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c CircleCandidate) validate() error {
	invalid := make([]string, 0, 3)
	if c.ID <= 0 {
		invalid = append(invalid, "id")
	}
	if !validKey(c.Name) {
		invalid = append(invalid, "name")
	}
	if !validKey(c.Owner) {
		invalid = append(invalid, "owner")
	}
	if len(invalid) > 0 {
		return &ValidationError{Fields: invalid}
	}
	return nil
}

func (m MemberCandidate) validate() error {
	invalid := make([]string, 0, 2)
	if m.CircleID <= 0 {
		invalid = append(invalid, "circle_id")
	}
	if !validKey(m.Address) {
		invalid = append(invalid, "address")
	}
	if len(invalid) > 0 {
		return &ValidationError{Fields: invalid}
	}
	return nil
}

func (t TaskCandidate) validate() error {
	invalid := make([]string, 0, 4)
	if t.ID <= 0 {
		invalid = append(invalid, "id")
	}
	if t.CircleID <= 0 {
		invalid = append(invalid, "circle_id")
	}
	if !validKey(t.Title) {
		invalid = append(invalid, "title")
	}
	if !validKey(t.CreatedBy) {
		invalid = append(invalid, "created_by")
	}
	if t.Priority < PriorityLow || t.Priority > PriorityUrgent {
		invalid = append(invalid, "priority")
	}
	if !validAmount(t.PaymentAmount) {
		invalid = append(invalid, "payment_amount")
	}
	if len(invalid) > 0 {
		return &ValidationError{Fields: invalid}
	}
	return nil
}

// normalizeAssignee maps empty or whitespace-only assignees to nil so the
// cache never stores an empty string for "unassigned".
func normalizeAssignee(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// optionalKey maps absent optional provenance values to nil pointers so
// sticky coalescing can distinguish "not supplied" from a real value.
func optionalKey(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

// circleRow builds the insert form of a circle candidate. The wallet key
// defaults to the owner on first write.
func circleRow(c CircleCandidate, now time.Time) Circle {
	walletKey := strings.TrimSpace(c.WalletKey)
	if walletKey == "" {
		walletKey = strings.TrimSpace(c.Owner)
	}
	return Circle{
		ID:        c.ID,
		Name:      strings.TrimSpace(c.Name),
		Owner:     strings.TrimSpace(c.Owner),
		WalletKey: walletKey,
		TxHash:    optionalKey(c.TxHash),
		CreatedAt: now,
	}
}

func memberRow(m MemberCandidate, now time.Time) Member {
	return Member{
		CircleID: m.CircleID,
		Address:  strings.TrimSpace(m.Address),
		Name:     strings.TrimSpace(m.Name),
		IsOwner:  m.IsOwner,
		TxHash:   optionalKey(m.TxHash),
		JoinedAt: now,
	}
}

// taskRow builds the insert form of a task candidate. An incomplete task
// never carries completion provenance.
func taskRow(t TaskCandidate, now time.Time) Task {
	row := Task{
		ID:            t.ID,
		CircleID:      t.CircleID,
		Title:         strings.TrimSpace(t.Title),
		Description:   strings.TrimSpace(t.Description),
		AssignedTo:    normalizeAssignee(t.AssignedTo),
		CreatedBy:     strings.TrimSpace(t.CreatedBy),
		Priority:      t.Priority,
		PaymentAmount: strings.TrimSpace(t.PaymentAmount),
		RequestMoney:  t.RequestMoney,
		PaymentTxHash: optionalKey(t.PaymentTxHash),
		Rejected:      t.Rejected,
		Completed:     t.Completed,
		TxHash:        optionalKey(t.TxHash),
		CreatedAt:     now,
	}
	if t.Completed {
		row.CompletedBy = optionalKey(t.CompletedBy)
		if t.CompletedAtS > 0 {
			completedAt := time.Unix(t.CompletedAtS, 0).UTC()
			row.CompletedAt = &completedAt
		} else {
			completedAt := now
			row.CompletedAt = &completedAt
		}
	}
	return row
}

// paymentState derives the tagged payment lifecycle from stored task facts.
// Rejection is terminal; a recorded payment hash means settled.
func paymentState(t Task) PaymentState {
	switch {
	case t.PaymentAmount == "" || t.PaymentAmount == "0":
		return PaymentStateNone
	case t.Rejected:
		return PaymentStateRejected
	case t.PaymentTxHash != nil:
		return PaymentStatePaid
	case t.RequestMoney:
		return PaymentStateRequested
	default:
		return PaymentStatePending
	}
}

// PaymentStateOf exposes the derived payment state for serialization layers.
func PaymentStateOf(t Task) PaymentState {
	return paymentState(t)
}
