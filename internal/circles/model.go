package circles

import (
	"time"
)

// InvitationStatus enumerates invitation lifecycle states.
type InvitationStatus string

const (
	// InvitationStatusPending marks an invitation that has not been accepted yet.
	InvitationStatusPending InvitationStatus = "pending"
	// InvitationStatusAccepted marks an invitation that was redeemed exactly once.
	InvitationStatusAccepted InvitationStatus = "accepted"
)

// PaymentState is the tagged payment lifecycle derived from stored task facts.
type PaymentState string

const (
	// PaymentStateNone indicates the task carries no payment at all.
	PaymentStateNone PaymentState = "none"
	// PaymentStatePending indicates a pay-on-completion amount awaiting task completion.
	PaymentStatePending PaymentState = "pending"
	// PaymentStateRequested indicates a money request awaiting the payer.
	PaymentStateRequested PaymentState = "requested"
	// PaymentStateRejected indicates a money request that was declined; terminal.
	PaymentStateRejected PaymentState = "rejected"
	// PaymentStatePaid indicates a payment transaction hash has been recorded.
	PaymentStatePaid PaymentState = "paid"
)

const (
	// PriorityLow .. PriorityUrgent bound the task priority range.
	PriorityLow    = 0
	PriorityUrgent = 3
)

// Circle mirrors a ledger-recorded caregiving circle. The cache never
// originates an id; all rows derive from confirmed ledger writes.
type Circle struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name;size:190;not null"`
	Owner     string    `gorm:"column:owner;size:190;not null;index"`
	WalletKey string    `gorm:"column:wallet_key;size:190;not null;default:''"`
	TxHash    *string   `gorm:"column:tx_hash;size:190"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Circle) TableName() string {
	return "circles"
}

// Member mirrors a circle membership keyed by (circle_id, address).
type Member struct {
	CircleID int64     `gorm:"column:circle_id;primaryKey"`
	Address  string    `gorm:"column:address;primaryKey;size:190"`
	Name     string    `gorm:"column:name;size:190;not null;default:''"`
	IsOwner  bool      `gorm:"column:is_owner;not null;default:false"`
	TxHash   *string   `gorm:"column:tx_hash;size:190"`
	JoinedAt time.Time `gorm:"column:joined_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "members"
}

// Task mirrors a ledger-recorded unit of caregiving work. Payment amounts are
// decimal strings in smallest-unit denomination; the cache never does
// arithmetic on them.
type Task struct {
	ID            int64      `gorm:"column:id;primaryKey"`
	CircleID      int64      `gorm:"column:circle_id;not null;index:idx_tasks_circle_order,priority:1"`
	Title         string     `gorm:"column:title;size:320;not null"`
	Description   string     `gorm:"column:description;type:text;not null;default:''"`
	AssignedTo    *string    `gorm:"column:assigned_to;size:190"`
	CreatedBy     string     `gorm:"column:created_by;size:190;not null"`
	Priority      int        `gorm:"column:priority;not null;default:0"`
	PaymentAmount string     `gorm:"column:payment_amount;size:64;not null;default:''"`
	RequestMoney  bool       `gorm:"column:request_money;not null;default:false"`
	PaymentTxHash *string    `gorm:"column:payment_tx_hash;size:190"`
	Rejected      bool       `gorm:"column:rejected;not null;default:false"`
	Completed     bool       `gorm:"column:completed;not null;default:false;index:idx_tasks_circle_order,priority:2"`
	CompletedBy   *string    `gorm:"column:completed_by;size:190"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	TxHash        *string    `gorm:"column:tx_hash;size:190"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Task) TableName() string {
	return "tasks"
}

// Invitation is a time-boxed single-use token granting circle membership.
type Invitation struct {
	Token           string           `gorm:"column:token;primaryKey;size:64"`
	CircleID        int64            `gorm:"column:circle_id;not null;index"`
	Email           string           `gorm:"column:email;size:320;not null"`
	MemberName      string           `gorm:"column:member_name;size:190;not null"`
	InviterName     string           `gorm:"column:inviter_name;size:190;not null;default:''"`
	Status          InvitationStatus `gorm:"column:status;size:16;not null;default:'pending'"`
	CreatedAt       time.Time        `gorm:"column:created_at;autoCreateTime"`
	ExpiresAt       time.Time        `gorm:"column:expires_at;not null"`
	AcceptedAt      *time.Time       `gorm:"column:accepted_at"`
	AcceptedAddress *string          `gorm:"column:accepted_address;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (Invitation) TableName() string {
	return "invitations"
}

// CircleCandidate is the client-supplied state of a circle after a confirmed
// ledger write.
type CircleCandidate struct {
	ID        int64
	Name      string
	Owner     string
	WalletKey string
	TxHash    string
}

// MemberCandidate is the client-supplied state of a membership.
type MemberCandidate struct {
	CircleID int64
	Address  string
	Name     string
	IsOwner  bool
	TxHash   string
}

// TaskCandidate is the client-supplied state of a task.
type TaskCandidate struct {
	ID            int64
	CircleID      int64
	Title         string
	Description   string
	AssignedTo    string
	CreatedBy     string
	Priority      int
	PaymentAmount string
	RequestMoney  bool
	PaymentTxHash string
	Rejected      bool
	Completed     bool
	CompletedBy   string
	CompletedAtS  int64
	TxHash        string
}

// CircleStats aggregates task and membership counts for one circle.
type CircleStats struct {
	TotalTasks     int64
	CompletedTasks int64
	OpenTasks      int64
	CompletionRate int
	MemberCount    int64
}

// LedgerCircleRecord is the structured circle state returned by the ledger
// gateway on a cache miss.
type LedgerCircleRecord struct {
	ID        int64
	Name      string
	Owner     string
	WalletKey string
	TxHash    string
}

// LedgerTaskRecord is the structured task state returned by the ledger
// gateway when reconstructing a circle's tasks.
type LedgerTaskRecord struct {
	ID            int64
	CircleID      int64
	Title         string
	Description   string
	AssignedTo    string
	CreatedBy     string
	Priority      int
	PaymentAmount string
	RequestMoney  bool
	Completed     bool
	CompletedBy   string
	TxHash        string
}
