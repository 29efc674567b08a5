package transport

import (
	"fmt"
	"sync"
)

// --------------------------------------------------------------------------
// Remote addresses
// --------------------------------------------------------------------------

// RemoteAddress identifies a peer connection. Two addresses are the same remote if their
// stream ids are equal, the network address is informational.
type RemoteAddress struct {
	StreamID int32
	Address  string
}

func (r RemoteAddress) String() string {
	return fmt.Sprintf("%s#%d", r.Address, r.StreamID)
}

// RemoteSupplier resolves the next remote a request should be sent to.
// It returns false if no remote is known at the moment, the caller retries later.
type RemoteSupplier func() (RemoteAddress, bool)

// Fixed returns a supplier that always resolves to the given remote
func Fixed(remote RemoteAddress) RemoteSupplier {
	return func() (RemoteAddress, bool) {
		return remote, true
	}
}

// RoundRobin returns a supplier that cycles over the given remotes.
// The returned supplier is safe for concurrent use.
func RoundRobin(remotes ...RemoteAddress) RemoteSupplier {
	var (
		mu   sync.Mutex
		next int
	)
	return func() (RemoteAddress, bool) {
		if len(remotes) == 0 {
			return RemoteAddress{}, false
		}

		// optimize for single remote
		if len(remotes) == 1 {
			return remotes[0], true
		}

		mu.Lock()
		defer mu.Unlock()
		r := remotes[next]
		next = (next + 1) % len(remotes)
		return r, true
	}
}

// --------------------------------------------------------------------------
// Channels
// --------------------------------------------------------------------------

// Channel is a live, ordered, byte-oriented connection to one remote
type Channel interface {
	// StreamID returns the stream id of the remote this channel is connected to
	StreamID() int32
	// Write writes as many bytes of b as possible without blocking for long and returns the
	// number of written bytes. A short write without error means "try again later".
	// An error means the channel is broken, its owner will report it as closed.
	Write(b []byte) (int, error)
}
