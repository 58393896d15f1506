package domain

import "time"

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunRecord is one proxied call from an agent to an upstream provider.
// Token counters and cost are nullable: absent means the provider never
// reported them, which is different from zero.
type RunRecord struct {
	ID               string     `json:"id"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Status           RunStatus  `json:"status"`
	TokensIn         *int       `json:"tokens_in,omitempty"`
	TokensOut        *int       `json:"tokens_out,omitempty"`
	PromptTokens     *int       `json:"prompt_tokens,omitempty"`
	CompletionTokens *int       `json:"completion_tokens,omitempty"`
	TotalTokens      *int       `json:"total_tokens,omitempty"`
	CostEstimate     *float64   `json:"cost_estimate,omitempty"`
	LogFile          string     `json:"log_file,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
}

// RunPatch is a sparse update: nil fields leave the stored column untouched.
type RunPatch struct {
	EndTime          *time.Time
	Status           *RunStatus
	TokensIn         *int
	TokensOut        *int
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
	CostEstimate     *float64
	ErrorMessage     *string
}

// IsEmpty reports whether the patch would touch no columns at all.
func (p RunPatch) IsEmpty() bool {
	return p.EndTime == nil &&
		p.Status == nil &&
		p.TokensIn == nil &&
		p.TokensOut == nil &&
		p.PromptTokens == nil &&
		p.CompletionTokens == nil &&
		p.TotalTokens == nil &&
		p.CostEstimate == nil &&
		p.ErrorMessage == nil
}
