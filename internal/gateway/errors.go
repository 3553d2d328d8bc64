package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportFailure：网络错误或超时
	ErrTransportFailure = errors.New("transport failure")
	// ErrBackend：后端返回非 2xx 或响应体无法归一化
	ErrBackend = errors.New("backend error")
)

// BackendError：携带状态码与后端错误信息
type BackendError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend error: %s returned status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("backend error: %s returned status %d: %s", e.Endpoint, e.Status, e.Message)
}

func (e *BackendError) Unwrap() error { return ErrBackend }

func transportErr(endpoint string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransportFailure, endpoint, err)
}
