package svs

// TIFF tag IDs the redaction engine cares about. Values are from the
// TIFF 6.0 specification; the rest of a page's tag table is carried
// opaquely.
const (
	tagImageDescription uint16 = 0x10E
	tagStripOffsets     uint16 = 0x111
	tagStripByteCounts  uint16 = 0x117
	tagTileOffsets      uint16 = 0x144
	tagTileByteCounts   uint16 = 0x145
)

// TIFF data types. LONG8/SLONG8/IFD8 are BigTIFF additions.
const (
	typeByte      uint16 = 1
	typeASCII     uint16 = 2
	typeShort     uint16 = 3
	typeLong      uint16 = 4
	typeRational  uint16 = 5
	typeSByte     uint16 = 6
	typeUndefined uint16 = 7
	typeSShort    uint16 = 8
	typeSLong     uint16 = 9
	typeSRational uint16 = 10
	typeFloat     uint16 = 11
	typeDouble    uint16 = 12
	typeIFD       uint16 = 13
	typeLong8     uint16 = 16
	typeSLong8    uint16 = 17
	typeIFD8      uint16 = 18
)

var typeSizes = map[uint16]uint64{
	typeByte:      1,
	typeASCII:     1,
	typeShort:     2,
	typeLong:      4,
	typeRational:  8,
	typeSByte:     1,
	typeUndefined: 1,
	typeSShort:    2,
	typeSLong:     4,
	typeSRational: 8,
	typeFloat:     4,
	typeDouble:    8,
	typeIFD:       4,
	typeLong8:     8,
	typeSLong8:    8,
	typeIFD8:      8,
}

// typeSize returns the byte size of a single value of a TIFF type, or
// zero for unknown types.
func typeSize(t uint16) uint64 {
	return typeSizes[t]
}
