package coordinator

import (
	"context"
	"errors"
	"sync"

	"github.com/prudhvinik1/optisync/internal/models"
)

var (
	ErrRejected          = errors.New("mutation rejected by server")
	ErrUnconfirmed       = errors.New("mutation unconfirmed: the edit may not have taken effect")
	ErrCancelled         = errors.New("mutation cancelled")
	ErrAlreadyDispatched = errors.New("mutation already dispatched")
	ErrUnknownMutation   = errors.New("unknown mutation")
	ErrEmptyPatch        = errors.New("mutation patch is empty")
	ErrInvalidKey        = errors.New("entity key requires type and id")
	ErrClosed            = errors.New("coordinator is closed")
)

// Result is the terminal state of one mutation.
type Result struct {
	MutationID string
	Key        models.EntityKey
	State      models.MutationState
	Version    int64
	Data       models.Data
	// Reason is the server's rejection text, "unconfirmed" or "cancelled".
	Reason   string
	Attempts int
	// Err is nil only for committed mutations.
	Err error
}

// Handle is returned by Submit. Its terminal result can be awaited or polled.
type Handle struct {
	id  string
	key models.EntityKey

	mu     sync.Mutex
	done   chan struct{}
	result Result
	closed bool
}

func newHandle(id string, key models.EntityKey) *Handle {
	return &Handle{id: id, key: key, done: make(chan struct{})}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Key() models.EntityKey { return h.key }

// Done is closed once the mutation reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result polls for the terminal result.
func (h *Handle) Result() (Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.closed
}

// Wait blocks until the mutation is terminal or ctx ends. The returned error
// is the result's Err, or ctx's error.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		res, _ := h.Result()
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (h *Handle) complete(res Result) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.result = res
	h.closed = true
	close(h.done)
	return true
}
