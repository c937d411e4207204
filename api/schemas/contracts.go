package schemas

import "context"

// AgentEventType classifies streamed lifecycle notices from the agent.
// Events feed logging and diagnostics only, never control decisions.
type AgentEventType string

const (
	AgentEventStarted AgentEventType = "started"
	AgentEventStdout  AgentEventType = "stdout"
	AgentEventStderr  AgentEventType = "stderr"
	AgentEventTimeout AgentEventType = "timeout"
	AgentEventClosed  AgentEventType = "closed"
)

// AgentEvent is one streamed notice from a running agent invocation.
type AgentEvent struct {
	Type AgentEventType
	Line string
}

// AgentRequest describes one invocation of the code-generation agent.
type AgentRequest struct {
	TaskID  string
	Prompt  string
	OnEvent func(AgentEvent)
}

// AgentResult is the outcome of an agent invocation. RateLimited marks the
// only class of failure eligible for backoff-based retry.
type AgentResult struct {
	OK          bool
	Output      string
	Error       string
	RateLimited bool
	RawTail     []string
}

// CodegenAgent is the external code-generation collaborator: an opaque,
// slow, sometimes rate-limited oracle.
type CodegenAgent interface {
	Run(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// VerifyResult is the outcome of a verification run. Summary is
// human-readable diagnostic text suitable for a repair prompt.
type VerifyResult struct {
	OK      bool
	Summary string
}

// Verifier executes the repository's test/lint/typecheck commands.
type Verifier interface {
	Run(ctx context.Context) (VerifyResult, error)
}

// GenerationOptions tune a single LLM generation.
type GenerationOptions struct {
	Temperature     float32
	ForceJSONFormat bool
}

// GenerationRequest is a provider-agnostic LLM text generation request.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Options      GenerationOptions
}

// LLMClient abstracts the underlying model provider.
type LLMClient interface {
	GenerateResponse(ctx context.Context, req GenerationRequest) (string, error)
}
