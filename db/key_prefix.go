package db

// Reserved single-byte prefixes partitioning the ordered keyspace.
// No region may start with another region's prefix
const (
	PrefixUndo       byte = 0x10
	PrefixContractKV byte = 0x11
	PrefixMeta       byte = 0x12
)

// Keys inside the meta region
var (
	MetaKeyFlushMarker    = []byte{PrefixMeta, 'f', 'l', 'u', 's', 'h'}
	MetaKeyDatabaseHeader = []byte{PrefixMeta, 'h', 'e', 'a', 'd', 'e', 'r'}
)

// ReservedPrefixes lists every reserved region in ascending order
func ReservedPrefixes() []byte {
	return []byte{PrefixUndo, PrefixContractKV, PrefixMeta}
}
