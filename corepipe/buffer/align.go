package buffer

import "unsafe"

// uintptrOf returns the starting address of b's backing array, used only to
// compute the sector-alignment offset in alignedRegion.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
