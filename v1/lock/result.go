package lock

import "time"

// Result is the outcome of an acquisition attempt.
type Result int

const (
	// NotAcquired means the lock is held by someone else or the key was empty.
	NotAcquired Result = iota
	// Acquired means the key was free and is now ours.
	Acquired
	// Recovered means the previous holder's lease had lapsed and the lock was
	// taken over.
	Recovered
)

func (r Result) String() string {
	switch r {
	case NotAcquired:
		return "not_acquired"
	case Acquired:
		return "acquired"
	case Recovered:
		return "recovered"
	}
	return "unknown"
}

// Held reports whether the caller owns the lock.
func (r Result) Held() bool {
	return r == Acquired || r == Recovered
}

// Outcome pairs a Result with the expiry that was written to the store.
// Expiry is zero unless the lock is held.
type Outcome struct {
	Result Result
	Expiry int64
}

// Held reports whether the caller owns the lock.
func (o Outcome) Held() bool {
	return o.Result.Held()
}

// ExpiresAt returns the lease expiry as a time. It is the zero time when the
// lock is not held.
func (o Outcome) ExpiresAt() time.Time {
	if o.Expiry <= 0 {
		return time.Time{}
	}
	return time.Unix(o.Expiry, 0)
}
