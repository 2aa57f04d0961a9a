package allocator

import (
	"encoding/binary"
	"ia32kernel/kernel/multiboot"
	"unsafe"
)

// The multiboot package exposes no test hooks of its own, so these helpers
// build a fake multiboot info structure directly in Go memory and point the
// package at it via multiboot.SetInfoPtr, mirroring the wire layout the real
// boot loader would have produced.

const mbFlagMemoryMap = 1 << 6

// mbRegion describes one fake memory map entry for test setup.
type mbRegion struct {
	base, length uint64
	typ          uint32
}

// buildFakeMemoryMap installs regions as the multiboot memory map and
// returns the backing buffers (kept alive by the caller for the duration of
// the test).
func buildFakeMemoryMap(regions []mbRegion) (infoBuf, mmapBuf []byte) {
	mmapBuf = make([]byte, 0, 24*len(regions))
	for _, r := range regions {
		entry := make([]byte, 24)
		binary.LittleEndian.PutUint32(entry[0:4], 20)
		binary.LittleEndian.PutUint64(entry[4:12], r.base)
		binary.LittleEndian.PutUint64(entry[12:20], r.length)
		binary.LittleEndian.PutUint32(entry[20:24], r.typ)
		mmapBuf = append(mmapBuf, entry...)
	}

	// info's fixed prefix: 13 uint32 fields, all 4-byte aligned, no padding.
	infoBuf = make([]byte, 13*4)
	binary.LittleEndian.PutUint32(infoBuf[0:4], mbFlagMemoryMap)
	binary.LittleEndian.PutUint32(infoBuf[44:48], uint32(len(mmapBuf)))
	binary.LittleEndian.PutUint32(infoBuf[48:52], uint32(uintptr(unsafe.Pointer(&mmapBuf[0]))))

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&infoBuf[0])))
	return infoBuf, mmapBuf
}
