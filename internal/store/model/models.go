package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeploymentModel maps to 'deployments'. 时间字段以毫秒存储，nil 表示从未发生。
type DeploymentModel struct {
	ID          string         `gorm:"column:id;primaryKey;size:64"`
	StrategyID  string         `gorm:"column:strategy_id;index"`
	UserID      string         `gorm:"column:user_id;index"`
	Name        string         `gorm:"column:name"`
	SymbolsJSON datatypes.JSON `gorm:"column:symbols;type:TEXT"`
	Kind        string         `gorm:"column:kind;size:16"`
	Status      string         `gorm:"column:status;size:16;index"`
	Tier        string         `gorm:"column:tier;size:16"`

	ErrorMessage  string `gorm:"column:error_message"`
	TriggerCount  int    `gorm:"column:trigger_count"`
	LastCheckedAt *int64 `gorm:"column:last_checked_at"`

	CircuitState         string `gorm:"column:circuit_state;size:16"`
	ConsecutiveFailures  int    `gorm:"column:consecutive_failures"`
	ConsecutiveSuccesses int    `gorm:"column:consecutive_successes"`
	CircuitOpenedAt      *int64 `gorm:"column:circuit_opened_at"`
	FailureThreshold     int    `gorm:"column:failure_threshold"`

	DailyCount                 int   `gorm:"column:daily_count"`
	DailyLimit                 *int  `gorm:"column:daily_limit"`
	LastDailyReset             int64 `gorm:"column:last_daily_reset"`
	EvaluationFrequencyMinutes int   `gorm:"column:evaluation_frequency_minutes"`
	PendingDailyLimit          *int  `gorm:"column:pending_daily_limit"`
	HasPendingLimit            bool  `gorm:"column:has_pending_limit"`

	LastSignalType   string `gorm:"column:last_signal_type"`
	LastSignalSymbol string `gorm:"column:last_signal_symbol"`
	LastTriggeredAt  *int64 `gorm:"column:last_triggered_at"`
	CooldownMinutes  int    `gorm:"column:cooldown_minutes"`

	Environment   string          `gorm:"column:environment;size:16"`
	SimulatedMode bool            `gorm:"column:simulated_mode"`
	StakeUSD      decimal.Decimal `gorm:"column:stake_usd;type:TEXT"`
	Exchange      string          `gorm:"column:exchange"`

	// 调度租约，不属于领域模型，周期写入不会覆盖
	LeaseOwner string `gorm:"column:lease_owner;size:64"`
	LeaseUntil int64  `gorm:"column:lease_until"`

	Version       int64          `gorm:"column:version;not null;default:1"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"column:deleted_at;index"`

	CreatedAt time.Time `gorm:"-"`
	UpdatedAt time.Time `gorm:"-"`
}

func (DeploymentModel) TableName() string { return "deployments" }

// SignalHistoryModel maps to 'signal_history'，每个被处理的信号一行。
type SignalHistoryModel struct {
	ID            int64           `gorm:"column:id;primaryKey;autoIncrement"`
	DeploymentID  string          `gorm:"column:deployment_id;size:64;index:idx_signal_history_deployment,priority:1"`
	TraceID       string          `gorm:"column:trace_id"`
	Symbol        string          `gorm:"column:symbol"`
	SignalType    string          `gorm:"column:signal_type;size:8"`
	Price         decimal.Decimal `gorm:"column:price;type:TEXT"`
	Disposition   string          `gorm:"column:disposition;size:24"`
	Detail        string          `gorm:"column:detail"`
	MetadataJSON  datatypes.JSON  `gorm:"column:metadata;type:TEXT"`
	CreatedAtUnix int64           `gorm:"column:created_at;index:idx_signal_history_deployment,priority:2"`
}

func (SignalHistoryModel) TableName() string { return "signal_history" }
