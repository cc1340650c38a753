package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// mockAgent simulates an AI coding agent. Its stdout is the PTY the launcher
// drains into debug logs, so every outcome lands in the transcript.
type mockAgent struct {
	instanceID string
	apiURL     string
	delay      time.Duration
	out        io.Writer
	client     *http.Client
}

func newMockAgent(instanceID, apiURL string, delay time.Duration, out io.Writer) *mockAgent {
	return &mockAgent{
		instanceID: instanceID,
		apiURL:     apiURL,
		delay:      delay,
		out:        out,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// run consumes prompts until stdin closes or an exit directive arrives. A
// /fail directive surfaces as an error so main can exit non-zero, the way a
// crashed agent would.
func (a *mockAgent) run(scanner *bufio.Scanner) error {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		stop, err := a.handlePrompt(line)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (a *mockAgent) handlePrompt(line string) (stop bool, err error) {
	switch directive, arg := parseDirective(line); directive {
	case "exit":
		a.say("goodbye")
		return true, nil

	case "fail":
		a.say("something went terribly wrong, giving up")
		return false, fmt.Errorf("simulated agent crash")

	case "sleep":
		d := 30 * time.Second
		if parsed, perr := time.ParseDuration(arg); perr == nil && parsed > 0 {
			d = parsed
		}
		a.say("sleeping for %s", d)
		time.Sleep(d)
		a.say("awake")
		return false, nil

	case "status":
		if arg == "" {
			a.say("usage: /status <status>")
			return false, nil
		}
		a.reportStatus(arg)
		return false, nil

	case "review":
		a.requestReview()
		return false, nil

	default:
		a.work(line)
		return false, nil
	}
}

// parseDirective splits a /directive prompt into its name and argument.
// Plain prompts come back with an empty directive.
func parseDirective(line string) (directive, arg string) {
	lower := strings.ToLower(line)
	if lower == "exit" || lower == "quit" {
		return "exit", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return "", line
	}
	directive = strings.ToLower(fields[0])
	arg = strings.Join(fields[1:], " ")
	return directive, arg
}

// work plays out an ordinary coding turn: a short transcript plus an event
// report so smoke tests can see the prompt arrive daemon-side.
func (a *mockAgent) work(prompt string) {
	a.say("got it: %q", prompt)
	a.say("reading the relevant files...")
	a.say("making changes...")
	a.say("done with: %q", prompt)
	a.reportEvent(prompt)
}

// say writes one paced transcript line.
func (a *mockAgent) say(format string, args ...interface{}) {
	fmt.Fprintf(a.out, format+"\n", args...)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
}

func (a *mockAgent) reportStatus(status string) {
	body, code, err := a.post("/status", map[string]interface{}{"status": status})
	switch {
	case err != nil:
		a.say("status %s not reported: %v", status, err)
	case code >= 400:
		a.say("daemon rejected status %s (%d): %s", status, code, body)
	default:
		a.say("reported status %s", status)
	}
}

func (a *mockAgent) reportEvent(prompt string) {
	payload := map[string]interface{}{
		"tool_name":  "mock_agent",
		"success":    true,
		"parameters": map[string]interface{}{"prompt": prompt},
	}
	body, code, err := a.post("/events", payload)
	switch {
	case err != nil:
		a.say("event not reported: %v", err)
	case code >= 400:
		a.say("daemon rejected event (%d): %s", code, body)
	default:
		a.say("event reported")
	}
}

func (a *mockAgent) requestReview() {
	body, code, err := a.post("/review", map[string]interface{}{})
	switch {
	case err != nil:
		a.say("review not requested: %v", err)
	case code >= 400:
		a.say("daemon rejected review request (%d): %s", code, body)
	default:
		var resp struct {
			ReviewInstanceID string `json:"review_instance_id"`
		}
		_ = json.Unmarshal([]byte(body), &resp)
		a.say("review requested, reviewer %s incoming", resp.ReviewInstanceID)
	}
}

// post sends one JSON request to the daemon's agent endpoints. An empty API
// URL means the agent runs offline and every report is a transcript-only
// no-op.
func (a *mockAgent) post(path string, payload map[string]interface{}) (string, int, error) {
	if a.apiURL == "" {
		return "", 0, fmt.Errorf("daemon not configured")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}

	url := fmt.Sprintf("%s/api/v1/agents/%s%s", a.apiURL, a.instanceID, path)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(bytes.TrimSpace(body)), resp.StatusCode, nil
}
