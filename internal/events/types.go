// Package events defines the bus subjects published by the bullpen daemon.
// The engine publishes after each successful store transaction; the websocket
// hub and any external NATS consumers subscribe.
package events

// Event types for agent instances
const (
	AgentCreated         = "agent.created"
	AgentStatusChanged   = "agent.status_changed"
	AgentReviewRequested = "agent.review_requested"
	AgentTerminated      = "agent.terminated"
)

// Event types for GitHub issues
const (
	IssueSynced = "issue.synced"
)

// SourceEngine identifies the workflow engine as event producer.
const SourceEngine = "workflow-engine"

// SourceGitHub identifies the issue sync service as event producer.
const SourceGitHub = "github-sync"

// BuildAgentSubject creates a per-instance subject so consumers can follow
// one agent without filtering the whole stream.
func BuildAgentSubject(eventType, instanceID string) string {
	return eventType + "." + instanceID
}

// BuildAgentWildcardSubject subscribes to every agent event, including the
// per-instance suffixed forms.
func BuildAgentWildcardSubject() string {
	return "agent.>"
}

// BuildIssueWildcardSubject subscribes to every issue event.
func BuildIssueWildcardSubject() string {
	return "issue.>"
}
