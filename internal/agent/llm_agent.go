package agent

import (
	"context"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/evolved/api/schemas"
	"github.com/xkilldash9x/evolved/internal/harness"
	"github.com/xkilldash9x/evolved/internal/llmclient"
)

// editingTaskPrefixes identify tasks whose outcome is a code change rather
// than plain text: the model must answer with a patch which is then applied
// to the working tree.
var editingTaskPrefixes = []string{"step-", "fix-"}

const patchSystemPrompt = `You are an autonomous software engineer working on a git repository.
When asked to change code, respond with a JSON object {"patch": "<unified diff>", "summary": "<one line>"}.
The patch must apply cleanly with 'git apply' from the repository root. Touch only the files the task requires.`

// LLMAgent satisfies the code-generation contract with a hosted model: for
// editing tasks it requests a unified diff and applies it with git apply,
// for everything else it returns the model output verbatim.
type LLMAgent struct {
	router  *llmclient.Router
	runner  harness.Runner
	repoDir string
	log     *zap.Logger
}

// NewLLMAgent creates the model-backed agent.
func NewLLMAgent(router *llmclient.Router, repoDir string, runner harness.Runner, logger *zap.Logger) *LLMAgent {
	return &LLMAgent{
		router:  router,
		runner:  runner,
		repoDir: repoDir,
		log:     logger.Named("agent.llm"),
	}
}

// Run satisfies schemas.CodegenAgent.
func (a *LLMAgent) Run(ctx context.Context, req schemas.AgentRequest) (schemas.AgentResult, error) {
	emit := func(ev schemas.AgentEvent) {
		if req.OnEvent != nil {
			req.OnEvent(ev)
		}
	}
	emit(schemas.AgentEvent{Type: schemas.AgentEventStarted})
	defer emit(schemas.AgentEvent{Type: schemas.AgentEventClosed})

	editing := false
	for _, prefix := range editingTaskPrefixes {
		if strings.HasPrefix(req.TaskID, prefix) {
			editing = true
			break
		}
	}

	generate := func(system string, client schemas.LLMClient) (string, error) {
		return client.GenerateResponse(ctx, schemas.GenerationRequest{
			SystemPrompt: system,
			UserPrompt:   req.Prompt,
			Options:      schemas.GenerationOptions{Temperature: 0.2, ForceJSONFormat: editing},
		})
	}

	var (
		output string
		err    error
	)
	if editing {
		output, err = generate(patchSystemPrompt, a.router.Powerful())
	} else {
		output, err = generate("", a.router.Fast())
	}
	if err != nil {
		result := schemas.AgentResult{
			Error:       err.Error(),
			RateLimited: isRateLimitErr(err),
		}
		return result, nil
	}

	result := schemas.AgentResult{Output: output, RawTail: lastLines(output, schemas.MaxGoalRawTail)}

	if editing {
		if applyErr := a.applyPatchOutput(ctx, output); applyErr != nil {
			result.Error = applyErr.Error()
			return result, nil
		}
	}

	result.OK = true
	return result, nil
}

// applyPatchOutput decodes the model's patch envelope and applies it.
func (a *LLMAgent) applyPatchOutput(ctx context.Context, output string) error {
	var envelope struct {
		Patch   string `json:"patch"`
		Summary string `json:"summary"`
	}
	cleaned := strings.TrimSpace(strings.ReplaceAll(output, "```json", ""))
	cleaned = strings.TrimSpace(strings.ReplaceAll(cleaned, "```", ""))
	if err := json.UnmarshalFromString(cleaned, &envelope); err != nil {
		return fmt.Errorf("model response is not a patch envelope: %w", err)
	}
	if strings.TrimSpace(envelope.Patch) == "" {
		return fmt.Errorf("model response carries an empty patch")
	}

	// git apply is robust for applying model-generated diffs.
	res, err := a.runner.Run(ctx, harness.Spec{
		Name:  "git",
		Args:  []string{"apply", "-v", "--whitespace=nowarn", "-"},
		Dir:   a.repoDir,
		Stdin: envelope.Patch,
	})
	if err != nil {
		a.log.Error("git apply failed.", zap.String("output", res.Combined()))
		return fmt.Errorf("git apply failed: %w. Output: %s", err, res.Combined())
	}
	a.log.Info("Applied model-generated patch", zap.String("summary", envelope.Summary))
	return nil
}

// isRateLimitErr classifies provider quota errors as retryable.
func isRateLimitErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota")
}

// lastLines splits s and keeps at most n trailing lines.
func lastLines(s string, n int) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
