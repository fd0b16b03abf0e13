package storage

import (
	"encoding/hex"

	sha256 "github.com/minio/sha256-simd"

	"github.com/chihaya/privtracker/bittorrent"
)

// AnnounceLockKey returns the lock name serializing announces of one peer.
//
// Identifiers are client supplied and unbounded; hashing keeps lock names a
// fixed length whatever they contain.
func AnnounceLockKey(k bittorrent.PeerKey) string {
	h := sha256.New()
	h.Write([]byte(k.UserID))
	h.Write([]byte{0})
	h.Write([]byte(k.TorrentID))
	h.Write([]byte{0})
	h.Write([]byte(k.PeerID))
	return "announce:" + hex.EncodeToString(h.Sum(nil))
}
