package ledger

import "sync"

// OptimisticBalance is a client-local latency hint layered over the
// authoritative ledger. It is never consulted for debit decisions; the UI
// shows it while the storage-layer debit is in flight and reconciles against
// the authoritative balance when the answer arrives.
type OptimisticBalance struct {
	mu        sync.Mutex
	value     int
	haveValue bool
}

// Reconcile replaces the hint with an authoritative balance read.
func (b *OptimisticBalance) Reconcile(authoritative int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.value = authoritative
	b.haveValue = true
}

// Apply decrements the hint ahead of an in-flight debit. It never goes below
// zero; a hint is cosmetic and must not look like a negative balance.
func (b *OptimisticBalance) Apply(amount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveValue {
		return
	}
	b.value -= amount
	if b.value < 0 {
		b.value = 0
	}
}

// Revert undoes an Apply after the authoritative debit failed.
func (b *OptimisticBalance) Revert(amount int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.haveValue {
		return
	}
	b.value += amount
}

// Value returns the current hint and whether one exists.
func (b *OptimisticBalance) Value() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.haveValue
}
