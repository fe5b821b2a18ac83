// Package crc32x wraps the IEEE CRC32 used to checksum on-disk structures,
// grounded on update_crc32 in original_source/vdo/kernel/kernelLayer.c.
// The kernel's raw crc32() has no pre/post-conditioning, so that function
// seeds and finalizes it by hand; Go's hash/crc32.ChecksumIEEE already
// applies the equivalent conditioning internally, so wrapping it with an
// extra seed/XOR would double-cancel that and produce the unconditioned
// value instead. This is the conditioned result directly.
package crc32x

import "hash/crc32"

// Checksum returns the IEEE CRC32 of data.
func Checksum(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}
