package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

const (
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second
)

// Client is the narrow tracker contract the orchestrator consumes.
type Client interface {
	GetIssueDetails(ctx context.Context, id string) (*IssueDetails, error)
	GetViewerID(ctx context.Context) (string, error)
	GetTeamStates(ctx context.Context, teamID string) ([]State, error)
	GetTeamLabels(ctx context.Context, teamID string) ([]Label, error)
	CreateComment(ctx context.Context, issueID, body string, identity *IdentityOpts) (string, error)
	UpdateIssue(ctx context.Context, issueID string, fields UpdateFields) error
	CreateSessionOnIssue(ctx context.Context, issueID string) (string, error)
	EmitActivity(ctx context.Context, sessionID string, content ActivityContent) error
	CreateReaction(ctx context.Context, commentID, name string) error
}

// HTTPClient talks to the tracker's REST+GraphQL API, retrying transient
// failures with exponential backoff and tripping a circuit breaker after
// repeated failures so a degraded tracker cannot stall every dispatch.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPClient returns an HTTPClient for baseURL authenticated with token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	settings := gobreaker.Settings{
		Name:    "tracker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("tracker: api error %d: %s", e.StatusCode, e.Message)
}

// doRequest performs one HTTP call through the circuit breaker, retrying
// on 429/5xx with exponential backoff, mirroring the teacher's client
// retry shape.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequestWithRetry(ctx, method, path, body)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (c *HTTPClient) doRequestWithRetry(ctx context.Context, method, path string, body any) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		data, status, err := c.rawRequest(ctx, method, path, body)
		if err == nil && status < 300 {
			return data, nil
		}
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = &apiError{StatusCode: status, Message: string(data)}
			continue
		}
		return nil, &apiError{StatusCode: status, Message: string(data)}
	}
	return nil, fmt.Errorf("tracker: exhausted %d retries: %w", maxRetries, lastErr)
}

func (c *HTTPClient) rawRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("tracker: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("tracker: reading response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// GetIssueDetails fetches full issue data via the GraphQL query builder.
func (c *HTTPClient) GetIssueDetails(ctx context.Context, id string) (*IssueDetails, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/graphql", graphQLRequest{
		Query:     issueDetailsQuery,
		Variables: map[string]any{"id": id},
	})
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Data struct {
			Issue IssueDetails `json:"issue"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("tracker: decoding issue details: %w", err)
	}
	return &envelope.Data.Issue, nil
}

// GetViewerID identifies "us" on the tracker.
func (c *HTTPClient) GetViewerID(ctx context.Context) (string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/viewer", nil)
	if err != nil {
		return "", err
	}
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("tracker: decoding viewer: %w", err)
	}
	return v.ID, nil
}

// GetTeamStates returns the workflow states for teamID, falling back to
// GraphQL when the REST endpoint is unavailable for this deployment,
// mirroring the teacher's REST-then-GraphQL fallback pattern.
func (c *HTTPClient) GetTeamStates(ctx context.Context, teamID string) ([]State, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/teams/"+teamID+"/states", nil)
	if err != nil {
		data, err = c.doRequest(ctx, http.MethodPost, "/graphql", graphQLRequest{
			Query:     teamStatesQuery,
			Variables: map[string]any{"teamId": teamID},
		})
		if err != nil {
			return nil, err
		}
		var envelope struct {
			Data struct {
				Team struct {
					States struct {
						Nodes []State `json:"nodes"`
					} `json:"states"`
				} `json:"team"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("tracker: decoding team states: %w", err)
		}
		return envelope.Data.Team.States.Nodes, nil
	}
	var states []State
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("tracker: decoding team states: %w", err)
	}
	return states, nil
}

// GetTeamLabels returns teamID's labels.
func (c *HTTPClient) GetTeamLabels(ctx context.Context, teamID string) ([]Label, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/teams/"+teamID+"/labels", nil)
	if err != nil {
		return nil, err
	}
	var labels []Label
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("tracker: decoding team labels: %w", err)
	}
	return labels, nil
}

// CreateComment posts body on issueID, branded as identity when supplied
// and supported.
func (c *HTTPClient) CreateComment(ctx context.Context, issueID, body string, identity *IdentityOpts) (string, error) {
	payload := map[string]any{"issueId": issueID, "body": body}
	if identity != nil && identity.AsAgent {
		payload["asAgentLabel"] = identity.AgentLabel
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/comments", payload)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("tracker: decoding created comment: %w", err)
	}
	return created.ID, nil
}

// UpdateIssue applies a partial field update to issueID.
func (c *HTTPClient) UpdateIssue(ctx context.Context, issueID string, fields UpdateFields) error {
	_, err := c.doRequest(ctx, http.MethodPatch, "/issues/"+issueID, fields)
	return err
}

// CreateSessionOnIssue is best-effort: the spec calls this "best-effort",
// so callers should tolerate an error without treating it as fatal.
func (c *HTTPClient) CreateSessionOnIssue(ctx context.Context, issueID string) (string, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/issues/"+issueID+"/sessions", nil)
	if err != nil {
		return "", err
	}
	var session struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &session); err != nil {
		return "", fmt.Errorf("tracker: decoding session: %w", err)
	}
	return session.SessionID, nil
}

// EmitActivity streams one progress event to a tracker session.
func (c *HTTPClient) EmitActivity(ctx context.Context, sessionID string, content ActivityContent) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/sessions/"+sessionID+"/activities", content)
	return err
}

// CreateReaction adds an emoji reaction to a comment.
func (c *HTTPClient) CreateReaction(ctx context.Context, commentID, name string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/comments/"+commentID+"/reactions", map[string]string{"name": name})
	return err
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

const issueDetailsQuery = `query($id: String!) {
  issue(id: $id) {
    id identifier title description url
    state { name type }
    team { id key }
    labels { nodes { id name } }
    comments { nodes { id body userId } }
  }
}`

const teamStatesQuery = `query($teamId: String!) {
  team(id: $teamId) {
    states { nodes { id name type } }
  }
}`
