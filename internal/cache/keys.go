package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func PipelineListKey(tenantID uuid.UUID, filterHash string) string {
	return fmt.Sprintf("pipeline:list:%s:%s", tenantID, filterHash)
}

func PipelineStatsKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("pipeline:stats:%s", tenantID)
}

func ExecutionStatusKey(executionID string) string {
	return fmt.Sprintf("execution:%s", executionID)
}

func RateLimitKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:%s", tenantID)
}
