package webhook

import "encoding/json"

// envelope is the webhook's only required top-level shape: a JSON object
// with a string type. action and data are type-specific.
type envelope struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type sessionPayload struct {
	SessionID       string `json:"sessionId"`
	IssueID         string `json:"issueId"`
	IssueIdentifier string `json:"issueIdentifier"`
	Message         string `json:"message"`
	AgentID         string `json:"agentId"`
}

type commentPayload struct {
	CommentID       string `json:"commentId"`
	Body            string `json:"body"`
	UserID          string `json:"userId"`
	IssueID         string `json:"issueId"`
	IssueIdentifier string `json:"issueIdentifier"`
	IssueTitle      string `json:"issueTitle"`
	IssueDesc       string `json:"issueDescription"`
}

type issueUpdatePayload struct {
	IssueID             string `json:"issueId"`
	IssueIdentifier     string `json:"issueIdentifier"`
	AssigneeID          string `json:"assigneeId"`
	DelegateID          string `json:"delegateId"`
	PreviousAssigneeID  string `json:"previousAssigneeId"`
}

type issueCreatePayload struct {
	IssueID         string `json:"issueId"`
	IssueIdentifier string `json:"issueIdentifier"`
}
