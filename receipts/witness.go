package receipts

import (
	"context"
	"sync/atomic"
)

type contextKey string

const contextKeyWitness contextKey = "receipt-witness"

// Witness tracks whether a receipt was appended during the current request.
// The enforcement middleware installs one before the handler runs and
// inspects it afterwards.
type Witness struct {
	recorded atomic.Bool
}

// Mark flags that a receipt was successfully appended.
func (w *Witness) Mark() {
	if w == nil {
		return
	}
	w.recorded.Store(true)
}

// Recorded reports whether a receipt was appended.
func (w *Witness) Recorded() bool {
	if w == nil {
		return false
	}
	return w.recorded.Load()
}

// WithWitness attaches a fresh witness to the context and returns both.
func WithWitness(ctx context.Context) (context.Context, *Witness) {
	w := &Witness{}
	return context.WithValue(ctx, contextKeyWitness, w), w
}

// WitnessFromContext returns the witness attached to ctx, or nil when the
// request is not under enforcement.
func WitnessFromContext(ctx context.Context) *Witness {
	if ctx == nil {
		return nil
	}
	w, _ := ctx.Value(contextKeyWitness).(*Witness)
	return w
}
