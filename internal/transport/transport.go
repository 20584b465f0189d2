// Executes datasource HTTP requests
package transport

import (
	"context"
	"fmt"
	"net/http"
)

// Request describes a datasource request
type Request struct {
	URL    string
	Method string
}

// Response is the envelope returned by an Executor
type Response[T any] struct {
	Status  int
	Header  http.Header
	Data    T
	Request Request
}

// Executor performs requests on behalf of the datasource client.
// Errors are returned to the caller unchanged.
type Executor[T any] interface {
	Execute(ctx context.Context, req Request) (*Response[T], error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc[T any] func(ctx context.Context, req Request) (*Response[T], error)

func (f ExecutorFunc[T]) Execute(ctx context.Context, req Request) (*Response[T], error) {
	return f(ctx, req)
}

// StatusError is returned when the upstream answers with a non-success status
type StatusError struct {
	URL        string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d (%s)", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}
