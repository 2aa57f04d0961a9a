// Package multiboot decodes the multiboot-1 information structure passed to
// the kernel by the boot loader, exposing the memory map and ELF section
// headers the rest of the memory-management stack needs during early init.
package multiboot

import (
	"encoding/binary"
	"ia32kernel/kernel"
	"reflect"
	"unsafe"
)

// Magic is the value the boot loader must have placed in EAX before
// transferring control to the kernel entry point.
const Magic = 0x2BADB002

const (
	flagMemInfo   = 1 << 0
	flagElfSHdr   = 1 << 5
	flagMemoryMap = 1 << 6
)

// info mirrors the fixed-size prefix of the multiboot_info_t structure.
type info struct {
	flags      uint32
	memLower   uint32
	memUpper   uint32
	bootDevice uint32
	cmdLine    uint32
	modsCount  uint32
	modsAddr   uint32

	// elfSecNum/elfSecSize/elfSecAddr/elfSecShndx overlay the
	// multiboot_elf_sections union member; only valid when flagElfSHdr is
	// set.
	elfSecNum   uint32
	elfSecSize  uint32
	elfSecAddr  uint32
	elfSecShndx uint32

	mmapLength uint32
	mmapAddr   uint32
}

var (
	infoPtr uintptr

	errBadMagic = &kernel.Error{Module: "multiboot", Message: "invalid multiboot magic value"}
	errNoMemMap = &kernel.Error{Module: "multiboot", Message: "boot loader did not provide a memory map"}
	errNoElfSec = &kernel.Error{Module: "multiboot", Message: "boot loader did not provide ELF section headers"}
)

// SetInfoPtr records the address of the multiboot info structure. It must be
// called, with the magic value validated via Init, before any other function
// in this package is used.
func SetInfoPtr(ptr uintptr) {
	infoPtr = ptr
}

// Init validates the magic value the boot loader placed in EAX and checks
// that the info structure carries both a memory map and ELF section headers,
// both of which this kernel's boot sequence requires.
func Init(magic uint32, ptr uintptr) *kernel.Error {
	if magic != Magic {
		return errBadMagic
	}

	SetInfoPtr(ptr)

	flags := (*info)(unsafe.Pointer(infoPtr)).flags
	if flags&flagMemoryMap == 0 {
		return errNoMemMap
	}
	if flags&flagElfSHdr == 0 {
		return errNoElfSec
	}

	return nil
}

// MemUpper returns the amount of contiguous memory, in KB, starting at 1MB,
// as reported by the boot loader's basic memory info (flags bit 0). The
// second return value is false if the boot loader did not provide this
// information.
func MemUpper() (uint32, bool) {
	i := (*info)(unsafe.Pointer(infoPtr))
	if i.flags&flagMemInfo == 0 {
		return 0, false
	}
	return i.memUpper, true
}

// MemoryEntryType identifies the kind of memory a MemoryMapEntry describes.
type MemoryEntryType uint32

const (
	// MemAvailable indicates RAM usable by the kernel.
	MemAvailable MemoryEntryType = 1

	// MemReserved indicates memory that must not be used (includes
	// anything the boot loader did not explicitly mark available).
	MemReserved MemoryEntryType = 2
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	if t == MemAvailable {
		return "available"
	}
	return "reserved"
}

// MemoryMapEntry describes a single contiguous region of the physical
// address space as reported by the boot loader.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// mmapEntrySize is the byte size of the fixed portion of a multiboot-1
// memory map entry following its own size field: base_addr (8), length (8)
// and type (4). The wire format is byte-packed, unlike a naively declared Go
// struct mixing uint32 and uint64 fields (which the compiler would pad to
// align the uint64s), so entries are read field-by-field at fixed byte
// offsets instead of through a cast Go struct.
const mmapEntrySize = 20

// MemRegionVisitor is invoked once per memory region reported by the boot
// loader. Returning false stops the scan early.
type MemRegionVisitor func(*MemoryMapEntry) bool

// VisitMemRegions walks the multiboot-1 memory map, invoking visitor for
// each entry. Entries are size-prefixed and not necessarily of uniform
// size, so each entry's own size field (not mmapEntrySize) is used to
// advance to the next one, per the multiboot-1 wire format.
func VisitMemRegions(visitor MemRegionVisitor) {
	i := (*info)(unsafe.Pointer(infoPtr))
	if i.flags&flagMemoryMap == 0 {
		return
	}

	curPtr := uintptr(i.mmapAddr)
	endPtr := curPtr + uintptr(i.mmapLength)

	for curPtr < endPtr {
		raw := (*[4 + mmapEntrySize]byte)(unsafe.Pointer(curPtr))

		size := binary.LittleEndian.Uint32(raw[0:4])
		baseAddr := binary.LittleEndian.Uint64(raw[4:12])
		length := binary.LittleEndian.Uint64(raw[12:20])
		rawType := binary.LittleEndian.Uint32(raw[20:24])

		entryType := MemReserved
		if rawType == uint32(MemAvailable) {
			entryType = MemAvailable
		}

		entry := MemoryMapEntry{
			PhysAddress: baseAddr,
			Length:      length,
			Type:        entryType,
		}

		if !visitor(&entry) {
			return
		}

		// size does not include the 4 bytes of the size field itself.
		curPtr += uintptr(size) + 4
	}
}

// elfSection32 mirrors a single Elf32_Shdr entry.
type elfSection32 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint32
	address     uint32
	offset      uint32
	size        uint32
	link        uint32
	info        uint32
	addrAlign   uint32
	entSize     uint32
}

// ElfSectionFlag mirrors the SHF_* flags of an ELF32 section header.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable at runtime.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means the section occupies memory during
	// execution (e.g. .bss).
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as containing executable
	// instructions.
	ElfSectionExecutable
)

// ElfSectionVisitor is invoked once per ELF section belonging to the loaded
// kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint32)

// VisitElfSections walks the ELF32 section header table the boot loader
// copied into the multiboot info structure (flags bit 5), invoking visitor
// for each non-empty section.
func VisitElfSections(visitor ElfSectionVisitor) {
	i := (*info)(unsafe.Pointer(infoPtr))
	if i.flags&flagElfSHdr == 0 {
		return
	}

	var (
		sectionPayload elfSection32
		sizeofSection  = unsafe.Sizeof(sectionPayload)
		secPtr         = uintptr(i.elfSecAddr)
		strTabSection  = (*elfSection32)(unsafe.Pointer(secPtr + uintptr(i.elfSecShndx)*uintptr(sizeofSection)))
	)

	for secIndex := uint32(0); secIndex < i.elfSecNum; secIndex, secPtr = secIndex+1, secPtr+sizeofSection {
		secData := (*elfSection32)(unsafe.Pointer(secPtr))
		if secData.size == 0 {
			continue
		}

		name := cStringAt(uintptr(strTabSection.address) + uintptr(secData.nameIndex))
		visitor(name, ElfSectionFlag(secData.flags), uintptr(secData.address), secData.size)
	}
}

// cStringAt overlays a Go string on top of a NUL-terminated C string located
// at addr, without copying or allocating.
func cStringAt(addr uintptr) string {
	end := addr
	for *(*byte)(unsafe.Pointer(end)) != 0 {
		end++
	}

	var s string
	hdr := (*reflect.StringHeader)(unsafe.Pointer(&s))
	hdr.Data = addr
	hdr.Len = int(end - addr)
	return s
}
