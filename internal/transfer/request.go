package transfer

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Op is the GATT operation a request performs
type Op int

const (
	OpWrite Op = iota
	OpRead
)

func (o Op) String() string {
	if o == OpRead {
		return "read"
	}
	return "write"
}

// Request is a queued transfer owned by the channel until it completes.
type Request struct {
	ID             uuid.UUID
	Op             Op
	Characteristic string
	Payload        []byte
	SubmittedAt    time.Time

	done  chan struct{}
	once  sync.Once
	err   error
	value []byte
}

func newRequest(op Op, characteristic string, payload []byte, now time.Time) *Request {
	return &Request{
		ID:             uuid.New(),
		Op:             op,
		Characteristic: characteristic,
		Payload:        slices.Clone(payload),
		SubmittedAt:    now,
		done:           make(chan struct{}),
	}
}

// Done is closed once the request has completed or was cancelled
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome; nil until Done is closed and on success
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Value returns the bytes read by an OpRead request
func (r *Request) Value() []byte {
	select {
	case <-r.done:
		return r.value
	default:
		return nil
	}
}

// complete reports whether this call was the one that finished the request
func (r *Request) complete(value []byte, err error) bool {
	completed := false
	r.once.Do(func() {
		r.value = value
		r.err = err
		close(r.done)
		completed = true
	})
	return completed
}
