package store

import "time"

type JobState string

const (
	JobPending    JobState = "PENDING"
	JobDispatched JobState = "DISPATCHED"
	JobExecuting  JobState = "EXECUTING"
	JobSucceeded  JobState = "SUCCEEDED"
	JobSkipped    JobState = "SKIPPED"
	JobFailed     JobState = "FAILED"
)

// Terminal reports whether no further delivery should touch the job.
// FAILED is retryable (bounded by the queue) and therefore not terminal here.
func (st JobState) Terminal() bool {
	return st == JobSucceeded || st == JobSkipped
}

// Skip reasons recorded on SKIPPED jobs. budget_race is distinct from
// budget_exhausted: the former lost a cap check at commit time, the latter
// at validation time.
const (
	SkipSettingsMissing   = "settings_missing"
	SkipCopyingDisabled   = "copying_disabled"
	SkipSettingsExpired   = "settings_expired"
	SkipDelegationInvalid = "delegation_invalid"
	SkipBudgetExhausted   = "budget_exhausted"
	SkipBudgetRace        = "budget_race"
)

type LeaderTrade struct {
	LeaderTradeID  string `json:"leader_trade_id"`
	LeaderID       string `json:"leader_id"`
	MarketTicker   string `json:"market_ticker"`
	Side           string `json:"side"` // "yes" | "no"
	AmountMicros   int64  `json:"amount_micros"`
	TransactionSig string `json:"transaction_sig"`
	CreatedAt      time.Time `json:"created_at"`
}

type CopySettings struct {
	FollowerID           string     `json:"follower_id"`
	LeaderID             string     `json:"leader_id"`
	AmountPerTradeMicros int64      `json:"amount_per_trade_micros"`
	MaxTotalMicros       int64      `json:"max_total_micros"`
	SpentMicros          int64      `json:"spent_micros"`
	Enabled              bool       `json:"enabled"`
	ExpiresAt            *time.Time `json:"expires_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// RemainingMicros is the budget still spendable under the cap.
func (cs CopySettings) RemainingMicros() int64 {
	return cs.MaxTotalMicros - cs.SpentMicros
}

// SettingsPatch carries a partial settings update. Nil fields are untouched.
type SettingsPatch struct {
	AmountPerTradeMicros *int64
	MaxTotalMicros       *int64
	Enabled              *bool
	ExpiresAt            *time.Time
	ClearExpiry          bool
}

type Delegation struct {
	UserID        string     `json:"user_id"`
	WalletAddress string     `json:"wallet_address"`
	Signature     string     `json:"signature"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

type CopyJob struct {
	LeaderTradeID   string     `json:"leader_trade_id"`
	FollowerID      string     `json:"follower_id"`
	LeaderID        string     `json:"leader_id"`
	State           JobState   `json:"state"`
	SkipReason      *string    `json:"skip_reason,omitempty"`
	AttemptCount    int        `json:"attempt_count"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	FinalizedAt     *time.Time `json:"finalized_at,omitempty"`
	ResultSignature *string    `json:"result_signature,omitempty"`
	ErrorDetail     *string    `json:"error_detail,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
