// utilitário pequeno para formatação rápida/consistente de valores numéricos em headers.

package ratelimit

import (
	"strconv"
	"time"
)

func formatInt64(v int64) string { return strconv.FormatInt(v, 10) }

// retryAfterSeconds arredonda para cima: Retry-After nunca promete antes do reset.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
