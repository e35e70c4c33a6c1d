// Package kerr defines the POSIX-inspired error taxonomy returned across
// the core's recoverable-error boundary. Invariant violations are not
// represented here: those panic.
package kerr

// Num is one of the small set of error numbers the core itself produces.
// Collaborating subsystems (VFS, device drivers) may pass other POSIX
// error numbers through untouched; the core never produces them.
type Num struct {
	name string
}

func (n *Num) Error() string { return n.name }

// Is allows errors.Is(err, kerr.EINVAL) to match wrapped occurrences of
// the same sentinel.
func (n *Num) Is(target error) bool { return target == n }

var (
	// EINVAL: bad argument (invalid vector, unaligned pointer, zero
	// length where forbidden, ...).
	EINVAL = &Num{"invalid argument"}
	// ENOMEM: allocator exhausted.
	ENOMEM = &Num{"out of memory"}
	// EALREADY: resource already in the desired state (vector already
	// registered and enabled).
	EALREADY = &Num{"already in requested state"}
)
