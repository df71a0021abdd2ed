package fabric

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mattersec/fabricnode/pkg/tlv"
)

// KVStore abstracts the durable key/value backend a persistent Table uses
// to record fabric credentials, metadata, and crash-recovery bookkeeping.
// Keys and values are opaque byte strings; the fabric package owns the
// key scheme (see the record* helpers below). Implementations are not
// required to be safe for concurrent use by multiple goroutines; the
// Table serializes access with its own lock.
type KVStore interface {
	// Read returns the value stored under key, or ErrRecordNotFound if
	// absent.
	Read(key string) ([]byte, error)
	// Write stores value under key, creating or overwriting it.
	Write(key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// NumKeys reports how many keys matching prefix currently exist.
	// Used to answer Table.Count() efficiently without a full scan of
	// unrelated records.
	NumKeys(prefix string) (int, error)
}

// ErrRecordNotFound is returned by KVStore.Read when key does not exist.
var ErrRecordNotFound = tagged(KindNotFound, errors.New("fabric: storage record not found"))

// MemoryKVStore is a non-persistent KVStore backed by a map, suitable for
// tests and for nodes without durable storage. Fabric data does not survive
// process restart when backed by this store.
type MemoryKVStore struct {
	data map[string][]byte
}

// NewMemoryKVStore creates an empty in-memory key/value store.
func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{data: make(map[string][]byte)}
}

func (m *MemoryKVStore) Read(key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryKVStore) Write(key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

func (m *MemoryKVStore) Delete(key string) error {
	delete(m.data, key)
	return nil
}

func (m *MemoryKVStore) NumKeys(prefix string) (int, error) {
	n := 0
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			n++
		}
	}
	return n, nil
}

var _ KVStore = (*MemoryKVStore)(nil)

// Record key scheme. Each fabric's credentials are split across several
// records rather than one blob so that the commit-marker protocol (see
// below) can write them incrementally and identify exactly which ones
// belong to a given FabricIndex during crash recovery.
const (
	keyPrefixRCAC        = "RCAC/"
	keyPrefixICAC        = "ICAC/"
	keyPrefixNOC         = "NOC/"
	keyPrefixFabricMeta  = "FabricMeta/"
	keyPrefixOpKey       = "OpKey/"
	keyFabricIndexList   = "FabricIndexList"
	keyLastKnownGoodTime = "LastKnownGoodTime"
	keyCommitMarker      = "CommitMarker"
	keyNextFabricIndex   = "NextFabricIndex"
)

func recordKey(prefix string, index FabricIndex) string {
	return fmt.Sprintf("%s%d", prefix, index)
}

// fabricMetaRecord is the persisted form of the non-certificate fields of a
// FabricEntry. Certificates are stored separately (recordKeyRCAC etc.) so a
// reader validating a chain doesn't need to touch the metadata record, and
// so the commit-marker protocol can reason about "the cert records for
// index N" independently of the small metadata record.
type fabricMetaRecord struct {
	VendorID          VendorID
	NodeID            NodeID
	FabricID          FabricID
	Label             string
	AdvertiseIdentity bool
	RootPublicKey     [RootPublicKeySize]byte
	CompressedFabric  [CompressedFabricIDSize]byte
	IPK               [IPKSize]byte
	OpKeyExternal     bool
	OpKeyPublic       [RootPublicKeySize]byte
}

const (
	tagMetaVendorID          = 1
	tagMetaNodeID            = 2
	tagMetaFabricID          = 3
	tagMetaLabel             = 4
	tagMetaAdvertiseIdentity = 5
	tagMetaRootPublicKey     = 6
	tagMetaCompressedFabric  = 7
	tagMetaIPK               = 8
	tagMetaOpKeyExternal     = 9
	tagMetaOpKeyPublic       = 10
)

func (m *fabricMetaRecord) marshalTLV() ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)

	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(tagMetaVendorID), uint64(m.VendorID)); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(tagMetaNodeID), uint64(m.NodeID)); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(tagMetaFabricID), uint64(m.FabricID)); err != nil {
		return nil, err
	}
	if err := w.PutString(tlv.ContextTag(tagMetaLabel), m.Label); err != nil {
		return nil, err
	}
	if err := w.PutBool(tlv.ContextTag(tagMetaAdvertiseIdentity), m.AdvertiseIdentity); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(tagMetaRootPublicKey), m.RootPublicKey[:]); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(tagMetaCompressedFabric), m.CompressedFabric[:]); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(tagMetaIPK), m.IPK[:]); err != nil {
		return nil, err
	}
	if err := w.PutBool(tlv.ContextTag(tagMetaOpKeyExternal), m.OpKeyExternal); err != nil {
		return nil, err
	}
	if err := w.PutBytes(tlv.ContextTag(tagMetaOpKeyPublic), m.OpKeyPublic[:]); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func unmarshalFabricMetaRecord(data []byte) (*fabricMetaRecord, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	if err := r.Next(); err != nil {
		return nil, err
	}
	if r.Type() != tlv.ElementTypeStruct {
		return nil, fmt.Errorf("fabric: fabric meta record: expected structure, got %v", r.Type())
	}
	if err := r.EnterContainer(); err != nil {
		return nil, err
	}

	m := &fabricMetaRecord{}
	for {
		if err := r.Next(); err != nil {
			return nil, err
		}
		if r.IsEndOfContainer() {
			break
		}
		tag := r.Tag()
		if !tag.IsContext() {
			if err := r.Skip(); err != nil {
				return nil, err
			}
			continue
		}

		switch tag.TagNumber() {
		case tagMetaVendorID:
			u, err := r.Uint()
			if err != nil {
				return nil, err
			}
			m.VendorID = VendorID(u)
		case tagMetaNodeID:
			u, err := r.Uint()
			if err != nil {
				return nil, err
			}
			m.NodeID = NodeID(u)
		case tagMetaFabricID:
			u, err := r.Uint()
			if err != nil {
				return nil, err
			}
			m.FabricID = FabricID(u)
		case tagMetaLabel:
			s, err := r.String()
			if err != nil {
				return nil, err
			}
			m.Label = s
		case tagMetaAdvertiseIdentity:
			b, err := r.Bool()
			if err != nil {
				return nil, err
			}
			m.AdvertiseIdentity = b
		case tagMetaRootPublicKey:
			data, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			if len(data) != RootPublicKeySize {
				return nil, fmt.Errorf("fabric: fabric meta record: bad root public key size %d", len(data))
			}
			copy(m.RootPublicKey[:], data)
		case tagMetaCompressedFabric:
			data, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			if len(data) != CompressedFabricIDSize {
				return nil, fmt.Errorf("fabric: fabric meta record: bad compressed fabric ID size %d", len(data))
			}
			copy(m.CompressedFabric[:], data)
		case tagMetaIPK:
			data, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			if len(data) != IPKSize {
				return nil, fmt.Errorf("fabric: fabric meta record: bad IPK size %d", len(data))
			}
			copy(m.IPK[:], data)
		case tagMetaOpKeyExternal:
			b, err := r.Bool()
			if err != nil {
				return nil, err
			}
			m.OpKeyExternal = b
		case tagMetaOpKeyPublic:
			data, err := r.Bytes()
			if err != nil {
				return nil, err
			}
			if len(data) != RootPublicKeySize {
				return nil, fmt.Errorf("fabric: fabric meta record: bad op key public size %d", len(data))
			}
			copy(m.OpKeyPublic[:], data)
		default:
			if err := r.Skip(); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// marshalFabricIndexList/unmarshalFabricIndexList encode the ordered set of
// committed fabric indices as one byte per index, used at startup to know
// which records to load without scanning the whole store.
func marshalFabricIndexList(indices []FabricIndex) []byte {
	out := make([]byte, len(indices))
	for i, idx := range indices {
		out[i] = byte(idx)
	}
	return out
}

func unmarshalFabricIndexList(data []byte) []FabricIndex {
	out := make([]FabricIndex, len(data))
	for i, b := range data {
		out[i] = FabricIndex(b)
	}
	return out
}

// persistEntry writes every durable record for entry: operational
// credentials first, then metadata. It does not touch FabricIndexList or
// the commit marker; callers sequence those per the commit-marker protocol
// in table.go.
func persistEntry(kv KVStore, entry *FabricEntry) error {
	if err := kv.Write(recordKey(keyPrefixRCAC, entry.FabricIndex), entry.RootCert); err != nil {
		return storageErr("write RCAC", err)
	}
	if entry.HasICAC() {
		if err := kv.Write(recordKey(keyPrefixICAC, entry.FabricIndex), entry.ICAC); err != nil {
			return storageErr("write ICAC", err)
		}
	} else {
		_ = kv.Delete(recordKey(keyPrefixICAC, entry.FabricIndex))
	}
	if err := kv.Write(recordKey(keyPrefixNOC, entry.FabricIndex), entry.NOC); err != nil {
		return storageErr("write NOC", err)
	}

	meta := &fabricMetaRecord{
		VendorID:          entry.VendorID,
		NodeID:            entry.NodeID,
		FabricID:          entry.FabricID,
		Label:             entry.Label,
		AdvertiseIdentity: entry.AdvertiseIdentity,
		RootPublicKey:     entry.RootPublicKey,
		CompressedFabric:  entry.CompressedFabricID,
		IPK:               entry.IPK,
		OpKeyExternal:     entry.OpKeyRef.External,
		OpKeyPublic:       entry.OpKeyRef.PublicKey,
	}
	metaBytes, err := meta.marshalTLV()
	if err != nil {
		return fmt.Errorf("fabric: encode fabric meta record: %w", err)
	}
	if err := kv.Write(recordKey(keyPrefixFabricMeta, entry.FabricIndex), metaBytes); err != nil {
		return storageErr("write fabric meta", err)
	}

	return nil
}

// loadEntry reconstructs a FabricEntry for index from its durable records.
// It re-derives FabricID/NodeID/RootPublicKey/CompressedFabricID from the
// certificates rather than trusting the metadata record's copies, so a
// torn write that updated certs but not metadata (or vice versa) is
// detected rather than silently trusted. effectiveTime gates the
// NotBefore/NotAfter check exactly as entry construction does at runtime.
func loadEntry(kv KVStore, index FabricIndex, effectiveTime int64) (*FabricEntry, error) {
	rootCert, err := kv.Read(recordKey(keyPrefixRCAC, index))
	if err != nil {
		return nil, storageErr("read RCAC", err)
	}
	noc, err := kv.Read(recordKey(keyPrefixNOC, index))
	if err != nil {
		return nil, storageErr("read NOC", err)
	}
	var icac []byte
	if data, err := kv.Read(recordKey(keyPrefixICAC, index)); err == nil {
		icac = data
	} else if !errors.Is(err, ErrRecordNotFound) {
		return nil, storageErr("read ICAC", err)
	}

	metaBytes, err := kv.Read(recordKey(keyPrefixFabricMeta, index))
	if err != nil {
		return nil, storageErr("read fabric meta", err)
	}
	meta, err := unmarshalFabricMetaRecord(metaBytes)
	if err != nil {
		return nil, fmt.Errorf("fabric: decode fabric meta record for index %d: %w", index, err)
	}

	entry, err := newFabricEntry(index, rootCert, noc, icac, meta.VendorID, meta.IPK, effectiveTime)
	if err != nil {
		return nil, fmt.Errorf("fabric: reconstruct fabric %d from storage: %w", index, err)
	}
	entry.Label = meta.Label
	entry.AdvertiseIdentity = meta.AdvertiseIdentity
	entry.OpKeyRef = OpKeyRef{External: meta.OpKeyExternal, PublicKey: meta.OpKeyPublic}

	return entry, nil
}

// deleteEntry removes every durable record for index, including its
// metadata. Used by Delete/RevertPendingFabricData rollback paths.
func deleteEntry(kv KVStore, index FabricIndex) {
	_ = kv.Delete(recordKey(keyPrefixRCAC, index))
	_ = kv.Delete(recordKey(keyPrefixICAC, index))
	_ = kv.Delete(recordKey(keyPrefixNOC, index))
	_ = kv.Delete(recordKey(keyPrefixFabricMeta, index))
}
