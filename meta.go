package betula

import "fmt"

// Meta names a mutable slot in the file header. The slots survive
// rollback like any other page-1 content.
type Meta int

const (
	MetaSchemaCookie Meta = iota
	MetaSchemaFormat
	MetaTextEncoding
	MetaUserVersion
	MetaAppID
)

// GetMeta reads a header slot.
func (tx *Tx) GetMeta(m Meta) (uint32, error) {
	h, err := tx.header()
	if err != nil {
		return 0, err
	}
	switch m {
	case MetaSchemaCookie:
		return h.SchemaCookie, nil
	case MetaSchemaFormat:
		return h.SchemaFormat, nil
	case MetaTextEncoding:
		return h.TextEncoding, nil
	case MetaUserVersion:
		return h.UserVersion, nil
	case MetaAppID:
		return h.AppID, nil
	}
	return 0, fmt.Errorf("betula: unknown meta slot %d", m)
}

// SetMeta updates a header slot within a write transaction.
func (tx *Tx) SetMeta(m Meta, v uint32) error {
	h, err := tx.header()
	if err != nil {
		return err
	}
	switch m {
	case MetaSchemaCookie:
		h.SchemaCookie = v
	case MetaSchemaFormat:
		h.SchemaFormat = v
	case MetaTextEncoding:
		h.TextEncoding = v
	case MetaUserVersion:
		h.UserVersion = v
	case MetaAppID:
		h.AppID = v
	default:
		return fmt.Errorf("betula: unknown meta slot %d", m)
	}
	return tx.putHeader(h)
}

// Info is a snapshot of the file-level state, mainly for tooling.
type Info struct {
	PageSize      int
	Pages         uint32
	FreelistPages uint32
	ChangeCounter uint32
	SchemaCookie  uint32
	UserVersion   uint32
	AppID         uint32
}

// Info reads the header into an Info snapshot.
func (tx *Tx) Info() (Info, error) {
	h, err := tx.header()
	if err != nil {
		return Info{}, err
	}
	return Info{
		PageSize:      h.PageSize,
		Pages:         h.DbSize,
		FreelistPages: h.FreelistCount,
		ChangeCounter: h.ChangeCounter,
		SchemaCookie:  h.SchemaCookie,
		UserVersion:   h.UserVersion,
		AppID:         h.AppID,
	}, nil
}
