package pgcontrol

import (
	"encoding/binary"
	"fmt"
)

// walMagics maps xlp_magic to its major version; xlp_magic is the first two bytes of a WAL segment's long page header
// (XLogLongPageHeaderData.std.xlp_magic); it changes per major and is
// the basis of the WAL-header recognizer that runs in parallel to the
// pg_control recognizers (spec §4.A).
var walMagics = map[uint16]Version{
	0xD07E: V83,
	0xD087: V84,
	0xD091: V90,
	0xD092: V91,
	0xD093: V92,
	0xD095: V93,
	0xD096: V94,
	0xD097: V95,
	0xD098: V96,
	0xD101: V100,
	0xD106: V110,
	0xD10D: V120,
	0xD110: V130,
}

const (
	offWalMagic = 0 // xlp_magic, uint16, head of XLogPageHeaderData
)

// WalError indicates a WAL segment header did not match any known major.
type WalError struct{ What string }

func (e *WalError) Error() string { return "pgcontrol: " + e.What }

// ParseWalVersion identifies the PostgreSQL major that wrote a WAL
// segment from the magic number in its first page header.
func ParseWalVersion(raw []byte) (Version, error) {
	if len(raw) < offWalMagic+2 {
		return 0, &WalError{What: "WAL segment too short to contain a page header"}
	}
	magic := binary.LittleEndian.Uint16(raw[offWalMagic:])
	if v, ok := walMagics[magic]; ok {
		return v, nil
	}
	return 0, &WalError{What: fmt.Sprintf("unrecognized WAL magic 0x%04X", magic)}
}
