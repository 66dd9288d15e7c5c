package notify

import (
	"fmt"
	"strings"
	"time"
)

// CycleFailure describes a poll cycle that gave up after exhausting its retries.
type CycleFailure struct {
	Consecutive int
	Watermark   uint64
	Cooldown    time.Duration
	Err         error
}

// FormatFailureMessage creates a failure notification body.
func FormatFailureMessage(f CycleFailure) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Consecutive failures: %d\n", f.Consecutive))
	sb.WriteString(fmt.Sprintf("Last score id: %d\n", f.Watermark))
	sb.WriteString(fmt.Sprintf("Next attempt in: %s", f.Cooldown.Round(time.Second)))

	if f.Err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", f.Err))
	}

	return sb.String()
}

// FormatRecoveryMessage creates a recovery notification body.
func FormatRecoveryMessage(failures int, downtime time.Duration, watermark uint64) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Failed cycles: %d\n", failures))
	sb.WriteString(fmt.Sprintf("Downtime: %s\n", downtime.Round(time.Second)))
	sb.WriteString(fmt.Sprintf("Last score id: %d", watermark))

	return sb.String()
}
