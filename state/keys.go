package state

import "encoding/binary"

const (
	nsUser   byte = 'u'
	nsSystem byte = 's'
)

// initMarker is the system key recording that a package ran its init export.
var initMarker = []byte("init")

// namespace returns the key prefix for a package. The id is length-prefixed
// so that no id can be a prefix of another's namespace.
func namespace(ns byte, pkgID string) []byte {
	b := make([]byte, 0, 1+binary.MaxVarintLen64+len(pkgID))
	b = append(b, ns)
	b = binary.AppendUvarint(b, uint64(len(pkgID)))
	return append(b, pkgID...)
}

func userKey(pkgID string, key []byte) []byte {
	return append(namespace(nsUser, pkgID), key...)
}

func systemKey(pkgID string, key []byte) []byte {
	return append(namespace(nsSystem, pkgID), key...)
}
