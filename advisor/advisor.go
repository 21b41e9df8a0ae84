package advisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
)

const requestTimeout = 30 * time.Second

// Agent is the AI advisor: an OpenAI-compatible chat-completions client
// that turns sandbox failures into diagnostic text. It registers as a
// module so the manager tracks its lifecycle, but it performs no
// isolation work and is a no-op in every child phase.
type Agent struct {
	client *http.Client
	logger lager.Logger

	cfg          *config.Config
	apiKey       string
	baseURL      string
	model        string
	systemPrompt string
	state        linux_backend.ModuleState
}

type Prompt struct {
	SystemPrompt string
	UserPrompt   string
	Context      []string
	MaxTokens    int
}

type Response struct {
	Content      string
	StatusCode   int
	ErrorMessage string
	Success      bool
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func New(logger lager.Logger) *Agent {
	return &Agent{
		client: &http.Client{Timeout: requestTimeout},
		logger: logger.Session("ai-agent"),

		state: linux_backend.StateUninitialized,
	}
}

func (a *Agent) Name() string           { return "ai-agent" }
func (a *Agent) Version() string        { return "1.0.0" }
func (a *Agent) Type() string           { return "ai" }
func (a *Agent) Dependencies() []string { return nil }

func (a *Agent) Enabled() bool {
	return a.cfg != nil && a.cfg.AIModule.Enabled && a.apiKey != ""
}

func (a *Agent) Description() string {
	return "Provides AI-powered analysis, error diagnosis, and configuration optimization."
}

func (a *Agent) State() linux_backend.ModuleState {
	return a.state
}

func (a *Agent) Initialize(cfg *config.Config) error {
	a.cfg = cfg

	if !cfg.AIModule.Enabled {
		a.logger.Debug("disabled")
		a.state = linux_backend.StateInitialized
		return nil
	}

	a.baseURL = cfg.AIModule.BaseURL
	a.model = cfg.AIModule.Model
	a.systemPrompt = cfg.AIModule.SystemPrompt
	a.apiKey = os.Getenv(cfg.AIModule.APIKeyEnv)

	if a.apiKey == "" {
		a.logger.Info("api-key-missing", lager.Data{"env": cfg.AIModule.APIKeyEnv})
	}

	a.state = linux_backend.StateInitialized

	return nil
}

func (a *Agent) PrepareChild(cfg *config.Config, childPid int) error {
	return nil
}

func (a *Agent) ApplyChild(cfg *config.Config) error {
	return nil
}

func (a *Agent) Execute(cfg *config.Config) int {
	return 0
}

func (a *Agent) Cleanup() error {
	a.state = linux_backend.StateStopped
	return nil
}

// SendPrompt issues one chat-completions request and returns the first
// choice's content.
func (a *Agent) SendPrompt(prompt Prompt) Response {
	if !a.Enabled() {
		return Response{ErrorMessage: "AI module is not enabled or API key not configured"}
	}

	systemPrompt := prompt.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = a.systemPrompt
	}

	userPrompt := prompt.UserPrompt
	if len(prompt.Context) > 0 {
		userPrompt += "\n\nContext:\n" + strings.Join(prompt.Context, "\n")
	}

	maxTokens := prompt.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.cfg.AIModule.MaxTokens
	}

	payload, err := json.Marshal(chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: a.cfg.AIModule.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return Response{ErrorMessage: err.Error()}
	}

	request, err := http.NewRequest("POST", a.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{ErrorMessage: err.Error()}
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+a.apiKey)

	httpResponse, err := a.client.Do(request)
	if err != nil {
		a.logger.Error("request", err)
		return Response{StatusCode: -1, ErrorMessage: err.Error()}
	}

	defer httpResponse.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&parsed); err != nil {
		return Response{StatusCode: httpResponse.StatusCode, ErrorMessage: err.Error()}
	}

	if httpResponse.StatusCode != http.StatusOK {
		message := fmt.Sprintf("unexpected status: %d", httpResponse.StatusCode)
		if parsed.Error != nil {
			message = parsed.Error.Message
		}

		return Response{StatusCode: httpResponse.StatusCode, ErrorMessage: message}
	}

	if len(parsed.Choices) == 0 {
		return Response{StatusCode: httpResponse.StatusCode, ErrorMessage: "no choices in response"}
	}

	return Response{
		Content:    parsed.Choices[0].Message.Content,
		StatusCode: httpResponse.StatusCode,
		Success:    true,
	}
}

// AnalyzeError asks for a diagnosis of a failed run.
func (a *Agent) AnalyzeError(errorMessage string, context []string) Response {
	return a.SendPrompt(Prompt{
		UserPrompt: "The sandbox failed with the following error. Explain the likely cause " +
			"and suggest a fix.\n\nError: " + errorMessage,
		Context: context,
	})
}

// GenerateSeccompPolicy asks for a seccomp profile suited to a command.
func (a *Agent) GenerateSeccompPolicy(command string) Response {
	return a.SendPrompt(Prompt{
		UserPrompt: "Generate a JSON seccomp profile (default_action plus syscall groups) " +
			"appropriate for running the following command in a sandbox: " + command,
	})
}

// OptimizeConfiguration asks for configuration tuning advice given a
// workload description.
func (a *Agent) OptimizeConfiguration(cfg config.Config, workloadDescription string) Response {
	rendered, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return Response{ErrorMessage: err.Error()}
	}

	return a.SendPrompt(Prompt{
		UserPrompt: "Suggest improvements to this sandbox configuration for the described " +
			"workload.\n\nWorkload: " + workloadDescription,
		Context: []string{string(rendered)},
	})
}
