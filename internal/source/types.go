package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skylimit/curator/internal/models"
)

// ErrNotFound is returned when a post does not exist upstream
var ErrNotFound = errors.New("source: post not found")

// FeedSource is the capability the core consumes to reach the remote feed
type FeedSource interface {
	// FetchHomePage fetches one page of the home timeline. An empty cursor
	// means the newest page; the returned cursor is empty when exhausted.
	FetchHomePage(ctx context.Context, cursor string, limit int) ([]models.FeedItem, string, error)

	// FetchSinglePost fetches one post by URI, ErrNotFound when missing
	FetchSinglePost(ctx context.Context, uri string) (*models.Post, error)
}

// RateLimitError is a rate-limit response from the server, optionally
// carrying its advertised wait time
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("source: rate limited, retry after %s", e.RetryAfter)
	}
	return "source: rate limited"
}

// TransientError marks a network-level failure worth retrying
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("source: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an error is transient or a rate limit,
// i.e. worth another attempt
func IsRetryable(err error) bool {
	var rle *RateLimitError
	var te *TransientError
	return errors.As(err, &rle) || errors.As(err, &te)
}
