// Package sink posts progress reports to the human-facing thread.
package sink

import "context"

// Sink delivers one report body. Delivery is best-effort; callers
// decide what to do with a failed post.
type Sink interface {
	Post(ctx context.Context, body string) error
}
