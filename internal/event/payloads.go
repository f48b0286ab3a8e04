package event

// TaskStartedPayload carries the originating user query for a new task.
type TaskStartedPayload struct {
	Title     string `json:"title"`
	UserQuery string `json:"userQuery"`
	ModelID   string `json:"modelId,omitempty"`
}

// TaskStatusPayload reports a status transition pushed by the backend.
type TaskStatusPayload struct {
	Status string `json:"status"`
}

type TaskFinishedPayload struct {
	Summary string `json:"summary"`
}

type TaskFailedPayload struct {
	Error   string `json:"error"`
	Summary string `json:"summary,omitempty"`
}

// TaskHistoryClearedPayload is empty; the event itself is the signal.
type TaskHistoryClearedPayload struct{}

type PlanStepPayload struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type PlanUpdatedPayload struct {
	Steps []PlanStepPayload `json:"steps"`
}

type ChatMessagePayload struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// TextDeltaPayload is one streamed fragment of assistant output. Deltas with
// role "thinking" are internal reasoning and are never surfaced.
type TextDeltaPayload struct {
	Role  string `json:"role"`
	Delta string `json:"delta"`
}

type ToolCalledPayload struct {
	ToolID   string `json:"toolId"`
	ToolName string `json:"toolName"`
	Source   string `json:"source"`
}

type ToolResultPayload struct {
	ToolID   string `json:"toolId"`
	ToolName string `json:"toolName"`
	Success  bool   `json:"success"`
	Summary  string `json:"summary,omitempty"`
}

// EffectRequestedPayload describes a side-effecting action awaiting
// authorization. RiskLevel is 0-10 as scored by the backend policy gate.
type EffectRequestedPayload struct {
	RequestID   string `json:"requestId"`
	EffectType  string `json:"effectType"`
	RiskLevel   int    `json:"riskLevel"`
	Description string `json:"description,omitempty"`
}

// EffectDecisionPayload resolves a pending effect by request id.
type EffectDecisionPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
	Remember  bool   `json:"remember,omitempty"`
}

type PatchProposedPayload struct {
	PatchID     string `json:"patchId"`
	FilePath    string `json:"filePath"`
	Operation   string `json:"operation,omitempty"`
	Additions   int    `json:"additions,omitempty"`
	Deletions   int    `json:"deletions,omitempty"`
	Description string `json:"description,omitempty"`
}

// PatchDecisionPayload resolves a proposed patch by patch id.
type PatchDecisionPayload struct {
	PatchID string `json:"patchId"`
	Error   string `json:"error,omitempty"`
}

type SkillRecommendationPayload struct {
	Skills     []string `json:"skills"`
	AutoLoaded string   `json:"autoLoaded,omitempty"`
}

type TokenUsagePayload struct {
	ModelID      string `json:"modelId"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

type RateLimitedPayload struct {
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Message           string `json:"message,omitempty"`
}
