package workflow

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	instanceIDRandomLen = 9
	base36Alphabet      = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// NewInstanceID derives the id for a fresh coding agent:
//
//	work-{issue|custom}-{unix millis}-{9 random base36 chars}
//
// The timestamp orders ids chronologically; the random suffix keeps two
// agents created in the same millisecond apart.
func NewInstanceID(issueNumber *int, now time.Time) string {
	slug := "custom"
	if issueNumber != nil {
		slug = strconv.Itoa(*issueNumber)
	}
	return fmt.Sprintf("work-%s-%d-%s", slug, now.UnixMilli(), randomBase36(instanceIDRandomLen))
}

// ReviewInstanceID derives the id of the n-th review spawned from a parent.
// Iterations are 1-based.
func ReviewInstanceID(parentID string, n int) string {
	return fmt.Sprintf("review-%s-%d", parentID, n)
}

func randomBase36(n int) string {
	out := make([]byte, 0, n)
	for len(out) < n {
		u := uuid.New()
		for _, b := range u[:] {
			if len(out) == n {
				break
			}
			out = append(out, base36Alphabet[int(b)%len(base36Alphabet)])
		}
	}
	return string(out)
}
