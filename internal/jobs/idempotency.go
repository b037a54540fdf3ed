package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// IdempotencyKey derives the deterministic digest that deduplicates requests
// for the same work. It hashes "jobType:entityId" followed by the metadata
// entries whose keys do not look time-related, sorted by key and rendered as
// "key=value". Time-looking entries are excluded so that resubmissions carrying
// fresh timestamps still converge on the same job.
func IdempotencyKey(jobType domain.JobType, entityID string, metadata map[string]any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s", jobType, entityID)

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		if isTimeLikeKey(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%v", k, metadata[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func isTimeLikeKey(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "time") ||
		strings.Contains(k, "date") ||
		strings.HasSuffix(k, "_at")
}
