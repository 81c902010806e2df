// Package identity carries the calling user through context.Context and
// mints lock owner ids. There is no ambient "current user".
package identity

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	processID = uuid.NewString()
	ownerSeq  atomic.Uint64
)

// ProcessID is a random id fixed for the lifetime of the process.
func ProcessID() string { return processID }

// NewOwnerID returns a lock owner id that is unique per process and per call.
// Each acquisition context calls it once and keeps the result until release.
func NewOwnerID() string {
	return processID + "-" + strconv.FormatUint(ownerSeq.Add(1), 10)
}

type userKey struct{}

// WithUser returns a copy of ctx that carries userID.
func WithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFrom returns the user carried by ctx, if any.
func UserFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userKey{}).(int64)
	return id, ok
}
