package hls

import (
	"context"
	"strconv"
	"strings"
	"time"
)

const (
	minRefreshInterval = time.Second
	maxRefreshInterval = 6 * time.Second
)

// isLive：包含分片时长但没有 #EXT-X-ENDLIST 的 media playlist 视为直播。
func isLive(lines []string) bool {
	hasSegments := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, tagEndList):
			return false
		case strings.HasPrefix(trimmed, tagInf+":"):
			hasSegments = true
		}
	}
	return hasSegments
}

// targetDuration 读取 #EXT-X-TARGETDURATION，缺失或非法时返回 0。
func targetDuration(lines []string) time.Duration {
	prefix := tagTarget + ":"
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, prefix) {
			continue
		}
		seconds, err := strconv.ParseFloat(strings.TrimSpace(trimmed[len(prefix):]), 64)
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	return 0
}

// refreshInterval 优先使用配置的固定间隔，否则取 TARGETDURATION 的一半并限制在 [1s, 6s]。
func refreshInterval(fixed, target time.Duration) time.Duration {
	if fixed > 0 {
		return fixed
	}
	d := target / 2
	if d < minRefreshInterval {
		d = minRefreshInterval
	}
	if d > maxRefreshInterval {
		d = maxRefreshInterval
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
