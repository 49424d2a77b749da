// Package replay rejects request nonces seen within a time window.
package replay

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a nonce stays blocked after it is first seen.
const DefaultTTL = 60 * time.Second

var ErrReplayDetected = errors.New("replay detected")

// Cache records nonces. CheckAndInsert is atomic: for concurrent calls with
// the same nonce exactly one returns fresh == true.
type Cache interface {
	CheckAndInsert(ctx context.Context, nonce []byte) (fresh bool, err error)
	Close() error
}

// Clock returns the current time. Tests replace it to step past the TTL.
type Clock func() time.Time

// Check wraps CheckAndInsert, turning a duplicate into ErrReplayDetected.
func Check(ctx context.Context, c Cache, nonce []byte) error {
	fresh, err := c.CheckAndInsert(ctx, nonce)
	if err != nil {
		return err
	}
	if !fresh {
		return ErrReplayDetected
	}
	return nil
}
