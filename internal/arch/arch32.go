//go:build 386 || arm

// Package arch isolates the word-size-dependent pieces of the buffer-pool
// arena: the atomic bump-pointer type and the int/uint-to-arena-offset
// conversions, so Arena itself never branches on GOARCH.
package arch

import "sync/atomic"

type (
	AtomicInt  = atomic.Int32
	AtomicUint = atomic.Uint32
)

func IntToArchSize(n int) int32 {
	return int32(n)
}

func UintToArchSize(n uint) uint32 {
	return uint32(n)
}
