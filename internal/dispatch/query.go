package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/SentiVerse-AI/soulx/internal/types"
)

// characterToTokenConversion mirrors scoring.CharacterToTokenConversion;
// duplicated as a constant here (rather than imported) because the query
// layer's token accounting is a streaming side-effect independent of the
// scorer's own volume/metric computation.
const characterToTokenConversion = 4.0

// streamChoice is the OpenAI-compatible shape of one SSE chunk
// (spec.md §4.3).
type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Text         string `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type streamEnvelope struct {
	Choices []streamChoice `json:"choices"`
}

// QueryClient issues the HTTP calls of spec.md §4.3 against a miner.
type QueryClient struct {
	httpClient *http.Client
}

// NewQueryClient builds a QueryClient with the given per-request timeout.
func NewQueryClient(timeout time.Duration) *QueryClient {
	return &QueryClient{httpClient: &http.Client{Timeout: timeout}}
}

// Stream issues a streaming POST and parses the SSE-style "data: " lines
// described in spec.md §4.3. inputCharCount seeds the cumulative usage
// estimate attached to each chunk.
func (q *QueryClient) Stream(ctx context.Context, serverAddress string, cfg types.TaskConfig, session types.Session, payload map[string]any, inputCharCount int) (types.QueryResult, error) {
	start := time.Now()
	result := types.QueryResult{Task: cfg.Task}

	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("dispatch: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverAddress+cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("dispatch: build request: %w", err)
	}
	setSessionHeaders(req, session)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		result.Success = false
		result.ResponseTime = time.Since(start)
		return result, nil // transport error: caller scores status_code==0 as a failure
	}
	defer resp.Body.Close()
	result.StatusCode = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		result.Success = false
		result.ResponseTime = time.Since(start)
		return result, nil
	}

	completionStyle := types.IsCompletionStyle(cfg.Task)
	var firstChunkAt time.Time
	completionTokens := 0
	promptTokens := int(float64(inputCharCount) / characterToTokenConversion)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	ok := true
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payloadLine := strings.TrimPrefix(line, "data: ")
		if payloadLine == "" || payloadLine == "[DONE]" {
			continue
		}
		var env streamEnvelope
		if err := json.Unmarshal([]byte(payloadLine), &env); err != nil || len(env.Choices) == 0 {
			ok = false
			break
		}
		choice := env.Choices[0]
		content := choice.Delta.Content
		if completionStyle {
			content = choice.Text
		}
		if content == "" && choice.FinishReason == nil {
			ok = false
			break
		}
		if firstChunkAt.IsZero() {
			firstChunkAt = time.Now()
		}
		completionTokens++
		chunk := types.StreamChunk{
			Content: content,
			Usage: types.Usage{
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				TotalTokens:      promptTokens + completionTokens,
			},
		}
		if choice.FinishReason != nil {
			chunk.FinishReason = *choice.FinishReason
		}
		result.FormattedResponse = append(result.FormattedResponse, chunk)
		if choice.FinishReason != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		ok = false
	}

	end := time.Now()
	result.ResponseTime = end.Sub(start)
	if !firstChunkAt.IsZero() {
		result.StreamTime = end.Sub(firstChunkAt)
	}
	result.Success = ok
	return result, nil
}

// NonStream issues a single-response POST and parses either a chat
// (choices[0].message.content), completion (choices[0].text), or image
// response object, per spec.md §4.3.
func (q *QueryClient) NonStream(ctx context.Context, serverAddress string, cfg types.TaskConfig, session types.Session, payload map[string]any) (types.QueryResult, error) {
	start := time.Now()
	result := types.QueryResult{Task: cfg.Task}

	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("dispatch: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverAddress+cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("dispatch: build request: %w", err)
	}
	setSessionHeaders(req, session)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		result.Success = false
		result.ResponseTime = time.Since(start)
		return result, nil
	}
	defer resp.Body.Close()
	result.StatusCode = resp.StatusCode
	result.ResponseTime = time.Since(start)
	result.StreamTime = result.ResponseTime

	if resp.StatusCode != http.StatusOK {
		result.Success = false
		return result, nil
	}

	if cfg.TaskType == types.TaskTypeImage {
		var img map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&img); err != nil {
			result.Success = false
			return result, nil
		}
		result.ImageResponse = img
		result.Success = true
		return result, nil
	}

	var env struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil || len(env.Choices) == 0 {
		result.Success = false
		return result, nil
	}
	content := env.Choices[0].Message.Content
	if types.IsCompletionStyle(cfg.Task) {
		content = env.Choices[0].Text
	}
	result.FormattedResponse = []types.StreamChunk{{Content: content}}
	result.Success = true
	return result, nil
}

func setSessionHeaders(req *http.Request, session types.Session) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Symmetric-Key-Uid", session.SymmetricKeyUID)
	req.Header.Set("X-Symmetric-Key", session.SymmetricKey)
}
