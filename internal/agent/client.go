// ABOUTME: HTTP client for the agent pipeline with SSE response streaming
// ABOUTME: Sends conversational context and accumulates the generated reply

package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EventType represents SSE event types from the agent pipeline.
type EventType string

const (
	EventThinking EventType = "thinking"
	EventText     EventType = "text"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event represents a parsed Server-Sent Event.
type Event struct {
	Type EventType
	Data string
}

// textEventData is the JSON structure for text/done events.
type textEventData struct {
	Text         string `json:"text,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
}

// errorEventData is the JSON structure for error events.
type errorEventData struct {
	Error string `json:"error"`
}

// ContextMessage is one role-tagged turn of conversational context.
type ContextMessage struct {
	Role    string `json:"role"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// GenerateRequest is the request body for POST /api/generate.
type GenerateRequest struct {
	IntegrationID string           `json:"integration_id"`
	ThreadID      string           `json:"thread_id"`
	Sender        string           `json:"sender"`
	Messages      []ContextMessage `json:"messages"`
}

// Client communicates with the agent pipeline's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an agent client for the given base URL. Timeouts are
// applied per call through the request context.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
	}
}

// Generate sends the conversational context and streams SSE events via the
// callback until the stream ends. Returns the full generated reply.
func (c *Client) Generate(ctx context.Context, req GenerateRequest, onEvent func(Event)) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(resp)
	}

	return c.parseSSEStream(ctx, resp.Body, onEvent)
}

// handleErrorResponse extracts an error message from non-200 responses.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp errorEventData
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("agent pipeline error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}

	return fmt.Errorf("agent pipeline returned status %d: %s", resp.StatusCode, string(body))
}

// parseSSEStream reads SSE events from the response body. The full reply is
// taken from the done event when present, otherwise accumulated from text
// events.
func (c *Client) parseSSEStream(ctx context.Context, body io.Reader, onEvent func(Event)) (string, error) {
	scanner := bufio.NewScanner(body)

	var eventType EventType
	var dataLines []string
	var accumulated strings.Builder
	var fullResponse string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if eventType != "" && len(dataLines) > 0 {
				event := Event{
					Type: eventType,
					Data: strings.Join(dataLines, "\n"),
				}

				switch eventType {
				case EventText:
					var data textEventData
					if json.Unmarshal([]byte(event.Data), &data) == nil {
						accumulated.WriteString(data.Text)
					}
				case EventDone:
					var data textEventData
					if json.Unmarshal([]byte(event.Data), &data) == nil {
						fullResponse = data.FullResponse
					}
				case EventError:
					var data errorEventData
					if json.Unmarshal([]byte(event.Data), &data) == nil {
						return "", fmt.Errorf("agent error: %s", data.Error)
					}
				}

				if onEvent != nil {
					onEvent(event)
				}
			}
			eventType = ""
			dataLines = nil
			continue
		}

		if strings.HasPrefix(line, "event:") {
			eventType = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading SSE stream: %w", err)
	}

	if fullResponse != "" {
		return fullResponse, nil
	}
	return accumulated.String(), nil
}
