package lock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// SafetyMargin is added to every lease to absorb clock and network skew
// between coordinators.
const SafetyMargin = 1500 * time.Millisecond

const expirySize = 8

// ErrMalformedExpiry is returned when a lock key holds something other than an
// encoded expiry.
var ErrMalformedExpiry = errors.New("warplock: malformed lock value")

// leaseExpiry returns the epoch second at which a lease taken at now ends.
func leaseExpiry(now time.Time, lease time.Duration) int64 {
	return int64(unixSeconds(now) + lease.Seconds() + SafetyMargin.Seconds())
}

// lapsed reports whether a stored expiry lies strictly before now. An absent
// key is stored as 0 and therefore always lapsed.
func lapsed(expiry int64, now time.Time) bool {
	return float64(expiry) < unixSeconds(now)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// encodeExpiry returns the big-endian wire form shared by every coordinator,
// whatever platform it runs on.
func encodeExpiry(expiry int64) []byte {
	buf := make([]byte, expirySize)
	binary.BigEndian.PutUint64(buf, uint64(expiry))
	return buf
}

func decodeExpiry(key string, data []byte, found bool) (int64, error) {
	if !found {
		return 0, nil
	}
	if len(data) != expirySize {
		return 0, fmt.Errorf("%w: key %q holds %d bytes", ErrMalformedExpiry, key, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}
