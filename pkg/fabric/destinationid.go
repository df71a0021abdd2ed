package fabric

import (
	"encoding/binary"

	"github.com/mattersec/fabricnode/pkg/crypto"
)

// DestinationIDSize is the size of a CASE destination identifier (SHA-256
// output, 32 bytes).
const DestinationIDSize = 32

// RandomSize is the size of the initiator random value used to compute a
// destination identifier candidate (32 bytes).
const RandomSize = 32

// GenerateDestinationID computes the destination identifier per Matter
// §4.14.2.4.1:
//
//	destinationMessage   = initiatorRandom || rootPublicKey || fabricId || nodeId
//	destinationIdentifier = HMAC-SHA256(key=IPK, message=destinationMessage)
//
// fabricID and nodeID are encoded little-endian. This lives in the fabric
// package (rather than being imported from the CASE package) so the fabric
// table can compute destination-ID candidates for its own installed
// entries without an import cycle; pkg/securechannel/case has an equivalent
// copy it uses for responder-side matching. An initiator opening a session
// calls this directly to build the DestinationID field of its Sigma1.
func GenerateDestinationID(
	initiatorRandom [RandomSize]byte,
	rootPublicKey [RootPublicKeySize]byte,
	fabricID FabricID,
	nodeID NodeID,
	ipk [IPKSize]byte,
) [DestinationIDSize]byte {
	msg := make([]byte, 0, RandomSize+RootPublicKeySize+8+8)
	msg = append(msg, initiatorRandom[:]...)
	msg = append(msg, rootPublicKey[:]...)

	var idBytes [8]byte
	binary.LittleEndian.PutUint64(idBytes[:], uint64(fabricID))
	msg = append(msg, idBytes[:]...)
	binary.LittleEndian.PutUint64(idBytes[:], uint64(nodeID))
	msg = append(msg, idBytes[:]...)

	return crypto.HMACSHA256(ipk[:], msg)
}

// matchesDestinationID reports whether entry is the fabric targeted by
// destinationID, given the initiatorRandom from a Sigma1 message. entry's
// own cached IPK (its Group Key Set 0 epoch key as of the last AddNOC or
// UpdateNOC) is always tried first; ipkList supplies additional epoch keys
// to try, covering the overlap window during a Group Key Set 0 rotation
// where a peer may still be using the previous epoch key. Each candidate
// key is combined with entry's CompressedFabricID via the standard group
// key derivation before comparison.
func matchesDestinationID(entry *FabricEntry, destinationID [DestinationIDSize]byte, initiatorRandom [RandomSize]byte, ipkList [][IPKSize]byte) bool {
	candidates := make([][IPKSize]byte, 0, len(ipkList)+1)
	candidates = append(candidates, entry.IPK)
	candidates = append(candidates, ipkList...)

	for _, epochKey := range candidates {
		opKey, err := crypto.DeriveGroupOperationalKeyV1(epochKey[:], entry.CompressedFabricID[:])
		if err != nil {
			continue
		}
		var ipk [IPKSize]byte
		copy(ipk[:], opKey)

		candidate := GenerateDestinationID(initiatorRandom, entry.RootPublicKey, entry.FabricID, entry.NodeID, ipk)
		if candidate == destinationID {
			return true
		}
	}
	return false
}
