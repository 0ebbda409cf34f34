package base

import (
	"bytes"
	"encoding/binary"
)

// headerMagic opens every database file.
var headerMagic = []byte("SQLite format 3\x00")

// DbHeader is the 100-byte file header stored at the start of page 1.
type DbHeader struct {
	PageSize      int // 512..65536, power of two
	WriteVersion  byte
	ReadVersion   byte
	ReservedSpace byte // bytes at the end of each page left unused
	ChangeCounter uint32
	DbSize        uint32 // database size in pages
	FreelistTrunk uint32 // first freelist trunk page, 0 if none
	FreelistCount uint32 // total freelist pages
	SchemaCookie  uint32
	SchemaFormat  uint32
	TextEncoding  uint32
	UserVersion   uint32
	AppID         uint32
	VersionValid  uint32
}

// NewDbHeader returns the header for a freshly created file.
func NewDbHeader(pageSize int) DbHeader {
	return DbHeader{
		PageSize:     pageSize,
		WriteVersion: 1,
		ReadVersion:  1,
		DbSize:       1,
		SchemaFormat: 4,
		TextEncoding: 1,
	}
}

// ParseDbHeader decodes and validates the first 100 bytes of page 1.
func ParseDbHeader(buf []byte) (DbHeader, error) {
	var h DbHeader
	if len(buf) < DbHeaderSize || !bytes.Equal(buf[:16], headerMagic) {
		return h, ErrCorrupt
	}
	ps := int(binary.BigEndian.Uint16(buf[16:]))
	if ps == 1 {
		ps = MaxPageSize
	}
	if ps < MinPageSize || ps > MaxPageSize || ps&(ps-1) != 0 {
		return h, ErrCorrupt
	}
	h.PageSize = ps
	h.WriteVersion = buf[18]
	h.ReadVersion = buf[19]
	h.ReservedSpace = buf[20]
	if buf[21] != 64 || buf[22] != 32 || buf[23] != 32 {
		return h, ErrCorrupt
	}
	if ps-int(h.ReservedSpace) < 480 {
		return h, ErrCorrupt
	}
	h.ChangeCounter = binary.BigEndian.Uint32(buf[24:])
	h.DbSize = binary.BigEndian.Uint32(buf[28:])
	h.FreelistTrunk = binary.BigEndian.Uint32(buf[32:])
	h.FreelistCount = binary.BigEndian.Uint32(buf[36:])
	h.SchemaCookie = binary.BigEndian.Uint32(buf[40:])
	h.SchemaFormat = binary.BigEndian.Uint32(buf[44:])
	h.TextEncoding = binary.BigEndian.Uint32(buf[56:])
	h.UserVersion = binary.BigEndian.Uint32(buf[60:])
	h.AppID = binary.BigEndian.Uint32(buf[68:])
	h.VersionValid = binary.BigEndian.Uint32(buf[92:])
	return h, nil
}

// Serialize writes the header into the first 100 bytes of buf.
func (h DbHeader) Serialize(buf []byte) {
	for i := 0; i < DbHeaderSize; i++ {
		buf[i] = 0
	}
	copy(buf, headerMagic)
	ps := h.PageSize
	if ps == MaxPageSize {
		ps = 1
	}
	binary.BigEndian.PutUint16(buf[16:], uint16(ps))
	buf[18] = h.WriteVersion
	buf[19] = h.ReadVersion
	buf[20] = h.ReservedSpace
	buf[21] = 64
	buf[22] = 32
	buf[23] = 32
	binary.BigEndian.PutUint32(buf[24:], h.ChangeCounter)
	binary.BigEndian.PutUint32(buf[28:], h.DbSize)
	binary.BigEndian.PutUint32(buf[32:], h.FreelistTrunk)
	binary.BigEndian.PutUint32(buf[36:], h.FreelistCount)
	binary.BigEndian.PutUint32(buf[40:], h.SchemaCookie)
	binary.BigEndian.PutUint32(buf[44:], h.SchemaFormat)
	binary.BigEndian.PutUint32(buf[56:], h.TextEncoding)
	binary.BigEndian.PutUint32(buf[60:], h.UserVersion)
	binary.BigEndian.PutUint32(buf[68:], h.AppID)
	binary.BigEndian.PutUint32(buf[92:], h.VersionValid)
	binary.BigEndian.PutUint32(buf[96:], 3049000)
}

// Usable returns the usable bytes per page.
func (h DbHeader) Usable() int {
	return h.PageSize - int(h.ReservedSpace)
}
