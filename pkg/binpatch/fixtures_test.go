package binpatch

import (
	"bytes"
	"encoding/binary"
)

const (
	fixtureImageBase = 0x140000000
	fixtureMarker    = markerPrefix + "UNK"

	peRdataRVA      = 0x1000
	peRdataRaw      = 0x200
	peMarkerRVA     = 0x2000
	peMarkerRaw     = 0x400
	peMarkerStrOff  = 0x10 // marker string offset inside .rdata
	peFixtureLength = 0x600
)

// peCodeOffset is where the three byte code lands in the PE fixture.
const peCodeOffset = peRdataRaw + peMarkerStrOff + len(markerPrefix)

type peFixture struct {
	withMarkerSection bool
	pointer           uint64 // overrides the pointer stored in .taubndl
}

// buildPE assembles a minimal PE32+ image with .rdata and .taubndl
// sections. It has no code; it only has to satisfy the header parser.
func buildPE(fx peFixture) []byte {
	buf := make([]byte, peFixtureLength)
	le := binary.LittleEndian

	// DOS header
	copy(buf, "MZ")
	le.PutUint32(buf[0x3c:], 0x40)

	// NT signature + file header
	off := 0x40
	copy(buf[off:], "PE\x00\x00")
	off += 4
	numSections := uint16(1)
	if fx.withMarkerSection {
		numSections = 2
	}
	le.PutUint16(buf[off:], 0x8664) // AMD64
	le.PutUint16(buf[off+2:], numSections)
	le.PutUint16(buf[off+16:], 240) // SizeOfOptionalHeader
	le.PutUint16(buf[off+18:], 0x22)
	off += 20

	// optional header, PE32+
	oh := off
	le.PutUint16(buf[oh:], 0x20b)
	le.PutUint64(buf[oh+24:], fixtureImageBase)
	le.PutUint32(buf[oh+32:], 0x1000) // SectionAlignment
	le.PutUint32(buf[oh+36:], 0x200)  // FileAlignment
	le.PutUint16(buf[oh+48:], 6)      // MajorSubsystemVersion
	le.PutUint32(buf[oh+56:], 0x3000) // SizeOfImage
	le.PutUint32(buf[oh+60:], 0x200)  // SizeOfHeaders
	le.PutUint16(buf[oh+68:], 3)      // console subsystem
	le.PutUint32(buf[oh+108:], 16)    // NumberOfRvaAndSizes
	off += 240

	putSection := func(at int, name string, rva, raw uint32) {
		copy(buf[at:at+8], name)
		le.PutUint32(buf[at+8:], 0x200)  // VirtualSize
		le.PutUint32(buf[at+12:], rva)   // VirtualAddress
		le.PutUint32(buf[at+16:], 0x200) // SizeOfRawData
		le.PutUint32(buf[at+20:], raw)   // PointerToRawData
		le.PutUint32(buf[at+36:], 0x40000040)
	}
	putSection(off, rdataSection, peRdataRVA, peRdataRaw)
	if fx.withMarkerSection {
		putSection(off+40, markerSection, peMarkerRVA, peMarkerRaw)
	}

	copy(buf[peRdataRaw+peMarkerStrOff:], fixtureMarker)

	ptr := uint64(fixtureImageBase + peRdataRVA + peMarkerStrOff + len(markerPrefix))
	if fx.pointer != 0 {
		ptr = fx.pointer
	}
	le.PutUint64(buf[peMarkerRaw:], ptr)

	return buf
}

const (
	elfRodataAddr = 0x401000
	elfRodataOff  = 0x40
)

// elfCodeOffset is where the three byte code lands in the ELF fixture.
const elfCodeOffset = elfRodataOff + 8 + len(markerPrefix)

// buildELF assembles a minimal little endian ELF64 file with a
// .rodata section holding the marker string, and optionally a symbol
// table naming it.
func buildELF(withSymbols bool) []byte {
	le := binary.LittleEndian

	rodata := make([]byte, 64)
	copy(rodata[8:], fixtureMarker)

	strtab := []byte("\x00" + markerSymbol + "\x00")

	symtab := make([]byte, 48) // null symbol + marker symbol
	le.PutUint32(symtab[24:], 1)   // st_name
	symtab[28] = 0x11              // STB_GLOBAL | STT_OBJECT
	le.PutUint16(symtab[30:], 1)   // st_shndx: .rodata
	le.PutUint64(symtab[32:], elfRodataAddr+8+uint64(len(markerPrefix)))
	le.PutUint64(symtab[40:], 3)

	type section struct {
		name    string
		typ     uint32
		flags   uint64
		addr    uint64
		data    []byte
		link    uint32
		info    uint32
		entsize uint64
	}

	sections := []section{
		{name: ".rodata", typ: 1, flags: 0x2, addr: elfRodataAddr, data: rodata},
	}
	if withSymbols {
		sections = append(sections,
			section{name: ".symtab", typ: 2, data: symtab, link: 3, info: 1, entsize: 24},
			section{name: ".strtab", typ: 3, data: strtab},
		)
	}

	shstrtab := []byte{0}
	nameOff := map[string]uint32{}
	for _, s := range append(sections, section{name: ".shstrtab"}) {
		nameOff[s.name] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name+"\x00"...)
	}
	sections = append(sections, section{name: ".shstrtab", typ: 3, data: shstrtab})

	body := new(bytes.Buffer)
	offsets := make([]uint64, len(sections))
	cursor := uint64(elfRodataOff)
	for i, s := range sections {
		offsets[i] = cursor
		body.Write(s.data)
		cursor += uint64(len(s.data))
		for cursor%8 != 0 {
			body.WriteByte(0)
			cursor++
		}
	}
	shoff := cursor

	out := make([]byte, elfRodataOff)
	copy(out, "\x7fELF")
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // little endian
	out[6] = 1 // EV_CURRENT
	le.PutUint16(out[16:], 2)  // ET_EXEC
	le.PutUint16(out[18:], 62) // x86_64
	le.PutUint32(out[20:], 1)
	le.PutUint64(out[40:], shoff)
	le.PutUint16(out[52:], 64) // e_ehsize
	le.PutUint16(out[58:], 64) // e_shentsize
	le.PutUint16(out[60:], uint16(len(sections)+1))
	le.PutUint16(out[62:], uint16(len(sections))) // shstrndx is last

	out = append(out, body.Bytes()...)

	// null section header, then one per section
	out = append(out, make([]byte, 64)...)
	for i, s := range sections {
		sh := make([]byte, 64)
		le.PutUint32(sh[0:], nameOff[s.name])
		le.PutUint32(sh[4:], s.typ)
		le.PutUint64(sh[8:], s.flags)
		le.PutUint64(sh[16:], s.addr)
		le.PutUint64(sh[24:], offsets[i])
		le.PutUint64(sh[32:], uint64(len(s.data)))
		le.PutUint32(sh[40:], s.link)
		le.PutUint32(sh[44:], s.info)
		le.PutUint64(sh[48:], 1)
		le.PutUint64(sh[56:], s.entsize)
		out = append(out, sh...)
	}

	return out
}
