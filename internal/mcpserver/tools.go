package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

// registerTools wires the agent-facing tools onto the MCP server. Every tool
// operates on the one instance this server fronts; the agent never names
// itself.
func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("update_instance_status",
			mcp.WithDescription(
				"Report a work milestone for this agent. "+
					"Call it when you start working, open a pull request, or finish. "+
					"Valid statuses: started, waiting_review, pr_created, pr_closed, pr_merged, terminated.",
			),
			mcp.WithString("status",
				mcp.Required(),
				mcp.Description("The new status: started, waiting_review, pr_created, pr_closed, pr_merged or terminated"),
			),
		),
		updateStatusHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("log_event",
			mcp.WithDescription(
				"Record a tool call or notable action in this agent's event log. "+
					"Use it to leave an audit trail of what you did and whether it worked.",
			),
			mcp.WithString("tool_name",
				mcp.Required(),
				mcp.Description("Name of the tool or action being recorded"),
			),
			mcp.WithBoolean("success",
				mcp.Description("Whether the action succeeded (defaults to true)"),
			),
			mcp.WithString("error_message",
				mcp.Description("Error detail when success is false"),
			),
			mcp.WithObject("parameters",
				mcp.Description("Arguments the action was invoked with"),
			),
			mcp.WithObject("result",
				mcp.Description("Outcome data worth keeping"),
			),
		),
		logEventHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("get_agent_state",
			mcp.WithDescription(
				"Fetch this agent's workflow state: phase, review count against the review budget, "+
					"the review instance currently running (if any), and last activity time.",
			),
		),
		getStateHandler(cfg, log),
	)

	count := 3

	// Review agents report their verdict through update_instance_status;
	// only coding agents may ask for a review of their work.
	if cfg.ServerType != ServerTypeReview {
		s.AddTool(
			mcp.NewTool("request_review",
				mcp.WithDescription(
					"Ask the orchestrator to spawn a review agent against this agent's work branch. "+
						"Fails when a review is already running or the review budget is spent.",
				),
				mcp.WithNumber("max_reviews",
					mcp.Description("Override the review budget for this instance (optional)"),
				),
			),
			requestReviewHandler(cfg, log),
		)
		count++
	}

	log.Info("registered MCP tools",
		zap.Int("count", count),
		zap.String("server_type", cfg.ServerType))
}

func updateStatusHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := req.RequireString("status")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		url := fmt.Sprintf("%s/api/v1/agents/%s/status", cfg.APIURL, cfg.AgentID)
		raw, code, err := callAPI(ctx, http.MethodPost, url, map[string]interface{}{"status": status})
		if err != nil {
			log.Error("status update failed", zap.String("status", status), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to update status: %v", err)), nil
		}
		if code >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", code, string(raw))), nil
		}

		// The daemon writes the paired status event in the same transaction
		// as the instance update, so this call is not mirrored into the
		// event log a second time.
		formatted, _ := json.MarshalIndent(raw, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func logEventHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		toolName, err := req.RequireString("tool_name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		success := req.GetBool("success", true)
		payload := map[string]interface{}{
			"tool_name": toolName,
			"success":   success,
		}
		if msg := req.GetString("error_message", ""); msg != "" {
			payload["error_message"] = msg
		}
		args := req.GetArguments()
		if params, ok := args["parameters"].(map[string]interface{}); ok {
			payload["parameters"] = params
		}
		if result, ok := args["result"].(map[string]interface{}); ok {
			payload["result"] = result
		}

		url := fmt.Sprintf("%s/api/v1/agents/%s/events", cfg.APIURL, cfg.AgentID)
		raw, code, err := callAPI(ctx, http.MethodPost, url, payload)
		if err != nil {
			log.Error("event log failed", zap.String("tool", toolName), zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to log event: %v", err)), nil
		}
		if code >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", code, string(raw))), nil
		}

		formatted, _ := json.MarshalIndent(raw, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func getStateHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url := fmt.Sprintf("%s/api/v1/agents/%s/state", cfg.APIURL, cfg.AgentID)
		raw, code, err := callAPI(ctx, http.MethodGet, url, nil)
		if err != nil {
			log.Error("state fetch failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch state: %v", err)), nil
		}
		if code >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", code, string(raw))), nil
		}

		// Mirror the read into the event log so the trail shows the agent
		// checking where it stands.
		var st struct {
			Phase string `json:"phase"`
		}
		_ = json.Unmarshal(raw, &st)
		reportToolCall(ctx, cfg, log, "get_agent_state", nil, map[string]interface{}{"phase": st.Phase})

		formatted, _ := json.MarshalIndent(raw, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

func requestReviewHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload := map[string]interface{}{}
		maxReviews := req.GetInt("max_reviews", 0)
		if maxReviews > 0 {
			payload["max_reviews"] = maxReviews
		}

		url := fmt.Sprintf("%s/api/v1/agents/%s/review", cfg.APIURL, cfg.AgentID)
		raw, code, err := callAPI(ctx, http.MethodPost, url, payload)
		if err != nil {
			log.Error("review request failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to request review: %v", err)), nil
		}
		if code >= 400 {
			return mcp.NewToolResultError(fmt.Sprintf("API error (%d): %s", code, string(raw))), nil
		}

		var resp struct {
			ReviewInstanceID string `json:"review_instance_id"`
			Iteration        int    `json:"iteration"`
		}
		_ = json.Unmarshal(raw, &resp)
		reportToolCall(ctx, cfg, log, "request_review",
			map[string]interface{}{"max_reviews": maxReviews},
			map[string]interface{}{"review_instance_id": resp.ReviewInstanceID, "iteration": resp.Iteration})

		formatted, _ := json.MarshalIndent(raw, "", "  ")
		return mcp.NewToolResultText(string(formatted)), nil
	}
}

// reportToolCall mirrors a successful tool call into the agent's event log.
// The daemon is the system of record; a failed report only logs locally.
func reportToolCall(ctx context.Context, cfg Config, log *logger.Logger, toolName string, params, result map[string]interface{}) {
	payload := map[string]interface{}{
		"tool_name": toolName,
		"success":   true,
	}
	if params != nil {
		payload["parameters"] = params
	}
	if result != nil {
		payload["result"] = result
	}

	url := fmt.Sprintf("%s/api/v1/agents/%s/events", cfg.APIURL, cfg.AgentID)
	if _, code, err := callAPI(ctx, http.MethodPost, url, payload); err != nil {
		log.Debug("event report failed", zap.String("tool", toolName), zap.Error(err))
	} else if code >= 400 {
		log.Debug("event report rejected", zap.String("tool", toolName), zap.Int("status", code))
	}
}

// callAPI performs one JSON round trip against the daemon. A nil payload
// sends no body. The raw response body comes back alongside the HTTP status
// so callers can surface daemon rejections verbatim.
func callAPI(ctx context.Context, method, url string, payload interface{}) (json.RawMessage, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return raw, resp.StatusCode, nil
}
