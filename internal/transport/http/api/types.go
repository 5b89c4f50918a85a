package apihttp

import (
	"time"

	"warden/internal/deployment"
	"warden/internal/lifecycle"

	"github.com/shopspring/decimal"
)

// CreateRequest 是 POST /api/deployments 的请求体。
type CreateRequest struct {
	ID         string   `json:"id"`
	StrategyID string   `json:"strategy_id" binding:"required"`
	UserID     string   `json:"user_id"`
	Name       string   `json:"name"`
	Symbols    []string `json:"symbols" binding:"required,min=1"`
	Kind       string   `json:"kind" binding:"required"`
	Tier       string   `json:"tier" binding:"required"`

	Environment   string          `json:"environment"`
	SimulatedMode bool            `json:"simulated_mode"`
	StakeUSD      decimal.Decimal `json:"stake_usd"`
	Exchange      string          `json:"exchange"`
}

// DailyLimitRequest: limit 为 null 表示不限。
type DailyLimitRequest struct {
	Limit *int `json:"limit"`
}

type DeploymentView struct {
	ID            string     `json:"id"`
	StrategyID    string     `json:"strategy_id"`
	UserID        string     `json:"user_id,omitempty"`
	Name          string     `json:"name,omitempty"`
	Symbols       []string   `json:"symbols"`
	Kind          string     `json:"kind"`
	Tier          string     `json:"tier"`
	Status        string     `json:"status"`
	StatusMessage string     `json:"status_message"`
	ErrorMessage  *string    `json:"error_message"`
	TriggerCount  int        `json:"trigger_count"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CircuitState  string     `json:"circuit_state"`
	DailyCount    int        `json:"daily_count"`
	DailyLimit    *int       `json:"daily_limit"`

	Environment   string `json:"environment,omitempty"`
	SimulatedMode bool   `json:"simulated_mode,omitempty"`
	StakeUSD      string `json:"stake_usd,omitempty"`
	Exchange      string `json:"exchange,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newDeploymentView(d *deployment.Deployment) DeploymentView {
	v := DeploymentView{
		ID:            d.ID,
		StrategyID:    d.StrategyID,
		UserID:        d.UserID,
		Name:          d.Name,
		Symbols:       d.Symbols,
		Kind:          string(d.Kind),
		Tier:          string(d.Tier),
		Status:        string(d.Status),
		StatusMessage: lifecycle.StatusMessage(d.Kind, d.Status),
		TriggerCount:  d.TriggerCount,
		LastCheckedAt: d.LastCheckedAt,
		CircuitState:  d.Circuit.State.String(),
		DailyCount:    d.Quota.DailyCount,
		DailyLimit:    d.Quota.DailyLimit,
		Version:       d.Version,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.ErrorMessage != "" {
		msg := d.ErrorMessage
		v.ErrorMessage = &msg
	}
	if d.Kind == deployment.KindBot {
		v.Environment = string(d.Execution.Environment)
		v.SimulatedMode = d.Execution.SimulatedMode
		v.StakeUSD = d.Execution.StakeUSD.String()
		v.Exchange = d.Execution.Exchange
	}
	return v
}

// ActionResponse 是 pause/resume/stop/clear-error 的返回。
type ActionResponse struct {
	Deployment DeploymentView `json:"deployment"`
	Changed    bool           `json:"changed"`
	Message    string         `json:"message"`
}

func newActionResponse(res lifecycle.ActionResult) ActionResponse {
	return ActionResponse{
		Deployment: newDeploymentView(res.Deployment),
		Changed:    res.Changed,
		Message:    res.Message,
	}
}
