// Package lock implements a lease based mutual exclusion primitive on top of a
// shared key-value store. The only state is the value stored under the lock
// key: the absolute expiry of the holder's lease. A holder that crashes leaves
// a zombie entry behind which competing acquirers take over once the lease has
// lapsed, using a watched transaction so that at most one of them succeeds.
//
// Coordinator offers a blocking API (Acquire, Release, Guard) and a context
// aware one (AcquireContext, ReleaseContext, GuardContext, WithLock) driven by
// the same state machine.
package lock
