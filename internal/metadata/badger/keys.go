package badger

import "encoding/hex"

// Key namespaces:
//
//	e:<id>              Entry (JSON)
//	o:<hex owner>:<id>  empty, owner index for scoped scans
//	t:<token>           entry id, share link token index
//
// Owner ids are hex encoded so one owner's prefix never matches another
// owner whose id merely starts with it.
const (
	prefixEntry = "e:"
	prefixOwner = "o:"
	prefixToken = "t:"
)

func keyEntry(id string) []byte { return []byte(prefixEntry + id) }

func keyOwnerPrefix(owner string) []byte {
	return []byte(prefixOwner + hex.EncodeToString([]byte(owner)) + ":")
}

func keyOwner(owner, id string) []byte { return append(keyOwnerPrefix(owner), id...) }

func keyToken(token string) []byte { return []byte(prefixToken + token) }
