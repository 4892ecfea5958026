package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError 表示非 2xx 响应或网络层失败，StatusCode 为 0 时 Err 携带原因。
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusCode 返回 err 链中 TransportError 的状态码，不存在时为 0。
func StatusCode(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

// IsGone 判断资源是否已被上游移除（404/410），直播窗口滚动时常见。
func IsGone(err error) bool {
	switch StatusCode(err) {
	case http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}

var retryableStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// IsRetryableStatus 报告状态码是否属于瞬时错误。
func IsRetryableStatus(status int) bool {
	_, ok := retryableStatuses[status]
	return ok
}
