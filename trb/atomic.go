package trb

import "sync/atomic"

// Store publishes a TRB's control word with release ordering. All other
// field writes must happen before Store so the consumer never observes
// a claimed slot with stale payload words.
func Store(t *TRB, control uint32) {
	atomic.StoreUint32(&t.Control, control)
}

// LoadControl reads a TRB's control word with acquire ordering, pairing
// with Store on the producing side.
func LoadControl(t *TRB) uint32 {
	return atomic.LoadUint32(&t.Control)
}
