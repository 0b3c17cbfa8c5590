package credit

import "time"

// Kind identifies what produced a ledger row.
type Kind string

const (
	KindPurchase        Kind = "purchase"
	KindDistribution    Kind = "distribution"
	KindTransferOut     Kind = "transfer_out"
	KindTransferIn      Kind = "transfer_in"
	KindAdminAdjustment Kind = "admin_adjustment"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindDistribution, KindTransferOut, KindTransferIn, KindAdminAdjustment:
		return true
	}
	return false
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
)

// Terminal reports whether no automatic transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Roles carried by an Actor.
const (
	RoleUser   = "user"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Actor is the caller identity passed into every ledger mutation.
type Actor struct {
	UserID string
	Role   string
}

// System is the actor used by background workers.
var System = Actor{UserID: "system", Role: RoleSystem}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// Account is the per-user balance row.
type Account struct {
	UserID             string     `db:"user_id" json:"user_id"`
	Balance            int64      `db:"balance" json:"balance"`
	LastDistributionAt *time.Time `db:"last_distribution_at" json:"last_distribution_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Transaction is one append-only ledger row. Amount is signed with respect
// to the owning account.
type Transaction struct {
	ID              string     `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"user_id"`
	Kind            Kind       `db:"kind" json:"kind"`
	Amount          int64      `db:"amount" json:"amount"`
	Status          Status     `db:"status" json:"status"`
	ExternalOrderID *string    `db:"external_order_id" json:"external_order_id,omitempty"`
	IdempotencyKey  *string    `db:"idempotency_key" json:"-"`
	TransferID      *string    `db:"transfer_id" json:"transfer_id,omitempty"`
	Counterparty    *string    `db:"counterparty_id" json:"counterparty_id,omitempty"`
	Description     string     `db:"description" json:"description,omitempty"`
	FailureReason   *string    `db:"failure_reason" json:"failure_reason,omitempty"`
	GatewayAmount   *int64     `db:"gateway_amount" json:"gateway_amount,omitempty"`
	RedirectURL     *string    `db:"redirect_url" json:"redirect_url,omitempty"`
	// Provider confirmation, kept for audit once a purchase settles.
	GatewayTransID    *string `db:"gateway_trans_id" json:"gateway_trans_id,omitempty"`
	GatewayResultCode *int    `db:"gateway_result_code" json:"gateway_result_code,omitempty"`
	GatewayMessage    *string `db:"gateway_message" json:"gateway_message,omitempty"`
	Attempts        int        `db:"reconcile_attempts" json:"reconcile_attempts,omitempty"`
	NextAttemptAt   *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	CreatedBy       string     `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Pagination controls list paging. Limit <= 0 falls back to DefaultLimit.
type Pagination struct {
	Limit  int
	Offset int
}

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// Normalize clamps the page into the supported range.
func (p Pagination) Normalize() Pagination {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Filters narrows admin listings. Zero values are ignored.
type Filters struct {
	UserID   string
	Kind     Kind
	Status   Status
	DateFrom *time.Time
	DateTo   *time.Time
}

// Page is a slice of transactions plus the unpaged total.
type Page struct {
	Items []Transaction
	Total int
}

// Outcome is a gateway verdict applied to a pending purchase. Gateway
// fields are empty when the verdict did not come from the provider.
type Outcome struct {
	Status Status
	Reason string

	GatewayTransID    string
	GatewayResultCode *int
	GatewayMessage    string
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
