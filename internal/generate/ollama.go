package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	derrors "github.com/Aman-CERP/docindex/internal/errors"
)

// Default Ollama fallback configuration.
const (
	DefaultHost        = "http://localhost:11434"
	DefaultModel       = "llama3.2"
	DefaultTimeout     = 60 * time.Second
	DefaultTemperature = 0.3
	DefaultTopK        = 40
	DefaultTopP        = 0.9
	DefaultMaxTokens   = 500
)

// OllamaConfig configures OllamaGenerator.
type OllamaConfig struct {
	Host        string
	Model       string
	Timeout     time.Duration
	Temperature float64
	TopK        int
	TopP        float64
	MaxTokens   int
}

// OllamaGenerator answers queries with an Ollama model via /api/generate.
type OllamaGenerator struct {
	client *http.Client
	config OllamaConfig
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

// generateResponse is the Ollama /api/generate response body.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// answerPromptTemplate asks for a short answer in the language of the question.
const answerPromptTemplate = `Please provide a clear and concise answer to the following question.
If you're explaining a concept, give a brief definition and key characteristics.
If it's a factual question, provide the most relevant information.
Answer in the same language as the question.

Question: %s

Answer:`

// NewOllamaGenerator creates a generator, filling unset fields with defaults.
func NewOllamaGenerator(cfg OllamaConfig) *OllamaGenerator {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	cfg.Host = strings.TrimSuffix(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.TopK == 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.TopP == 0 {
		cfg.TopP = DefaultTopP
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	return &OllamaGenerator{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

// Generate implements Generator.
func (o *OllamaGenerator) Generate(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  o.config.Model,
		Prompt: fmt.Sprintf(answerPromptTemplate, query),
		Stream: false,
		Options: generateOptions{
			Temperature: o.config.Temperature,
			TopK:        o.config.TopK,
			TopP:        o.config.TopP,
			NumPredict:  o.config.MaxTokens,
		},
	})
	if err != nil {
		return "", derrors.New(derrors.ErrCodeProviderFailed, "marshal request", err)
	}

	url := o.config.Host + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", derrors.New(derrors.ErrCodeProviderFailed, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err).WithDetail("host", o.config.Host)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		code := derrors.ErrCodeProviderFailed
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
			code = derrors.ErrCodeProviderUnavailable
		}
		return "", derrors.New(code,
			fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))), nil).
			WithDetail("model", o.config.Model)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", derrors.New(derrors.ErrCodeProviderFailed, "decode response", err)
	}
	if genResp.Error != "" {
		return "", derrors.New(derrors.ErrCodeProviderFailed, genResp.Error, nil).
			WithDetail("model", o.config.Model)
	}

	answer := strings.TrimSpace(genResp.Response)
	answer = strings.TrimSpace(strings.TrimPrefix(answer, "Answer:"))
	if answer == "" {
		return "", derrors.New(derrors.ErrCodeProviderFailed, "model returned an empty answer", nil).
			WithDetail("model", o.config.Model)
	}
	return answer, nil
}

func classifyTransportError(err error) *derrors.Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return derrors.New(derrors.ErrCodeProviderTimeout, "fallback model timed out", err).
			WithSuggestion("Increase fallback.timeout or use a smaller model")
	case errors.Is(err, context.Canceled):
		return derrors.New(derrors.ErrCodeProviderFailed, "request canceled", err)
	default:
		return derrors.New(derrors.ErrCodeProviderUnavailable, "cannot reach Ollama", err).
			WithSuggestion("Start Ollama with 'ollama serve' or set fallback.host")
	}
}
