// Package main implements a mock AI agent for development and tmux-free
// smoke tests. It reads prompts line by line from stdin, prints a plausible
// working transcript to stdout, and reports canned milestones to the bullpen
// daemon when BULLPEN_API_URL is set.
//
// Prompts may carry directives:
//
//	/status <s>   report a status milestone (pr_created, pr_merged, ...)
//	/review       ask the daemon to spawn a review agent
//	/sleep <dur>  stay alive quietly (liveness probe testing)
//	/fail         simulate a crash: error transcript, non-zero exit
//	exit | quit   clean exit
//
// Anything else is treated as a work prompt: the agent echoes it back and
// mirrors it into the daemon's event log.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"
)

var (
	apiURLFlag = flag.String("api-url", "", "bullpen daemon API URL (defaults to BULLPEN_API_URL)")
	delayFlag  = flag.Duration("delay", 200*time.Millisecond, "pause between transcript lines")
)

func main() {
	flag.Parse()

	apiURL := *apiURLFlag
	if apiURL == "" {
		apiURL = os.Getenv("BULLPEN_API_URL")
	}

	// The launcher injects both; either names the instance this process
	// plays. Manual runs outside the orchestrator get a PID-based id.
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = os.Getenv("MCP_AGENT_ID")
	}
	if instanceID == "" {
		instanceID = fmt.Sprintf("mock-agent-%d", os.Getpid())
	}

	agent := newMockAgent(instanceID, apiURL, *delayFlag, os.Stdout)
	agent.say("mock agent %s ready (api: %s)", instanceID, orOffline(apiURL))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	if err := agent.run(scanner); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

func orOffline(apiURL string) string {
	if apiURL == "" {
		return "offline"
	}
	return apiURL
}
