package withdrawal

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
)

// utxoLock is a time-bounded claim on a bridge UTXO, adapted from the
// teacher's wallet/btcwallet/utxo_locks.go to guard withdrawal-builder
// selections rather than wallet-funded PSBTs: a UTXO locked here is one
// already spent by a BridgeTx whose MuSig2 session hasn't broadcast yet
// (§4.7 "excluding UTXOs locked by unbroadcast sessions").
type utxoLock struct {
	expiresAt time.Time
}

// utxoLockManager tracks locks across concurrent Build calls.
type utxoLockManager struct {
	mu    sync.RWMutex
	locks map[wire.OutPoint]utxoLock
}

func newUTXOLockManager() *utxoLockManager {
	return &utxoLockManager{locks: make(map[wire.OutPoint]utxoLock)}
}

// Lock claims outpoint for duration, failing if it's already claimed.
func (m *utxoLockManager) Lock(outpoint wire.OutPoint, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, exists := m.locks[outpoint]; exists && time.Now().Before(lock.expiresAt) {
		return ErrUtxoLocked
	}
	m.locks[outpoint] = utxoLock{expiresAt: time.Now().Add(duration)}
	return nil
}

// Unlock releases outpoint, called once its BridgeTx broadcasts or its
// session aborts.
func (m *utxoLockManager) Unlock(outpoint wire.OutPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, outpoint)
}

// IsLocked reports whether outpoint is currently claimed.
func (m *utxoLockManager) IsLocked(outpoint wire.OutPoint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lock, exists := m.locks[outpoint]
	return exists && time.Now().Before(lock.expiresAt)
}

// CleanupExpired drops every lock past its expiry. Nothing in this package
// calls it; IsLocked already treats an expired lock as free, so a session
// that dies without aborting does not strand its UTXOs.
func (m *utxoLockManager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for outpoint, lock := range m.locks {
		if now.After(lock.expiresAt) {
			delete(m.locks, outpoint)
		}
	}
}
