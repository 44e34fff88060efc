package oplog

import (
	"encoding/binary"
	"fmt"

	"dedupvol/internal/domain"
)

// encodeEvent serializes a LogEvent's type-specific payload (the event ID
// itself is stored separately in the record header, see appendLocked).
func encodeEvent(e domain.LogEvent) []byte {
	switch e.Type {
	case domain.LogEmpty, domain.LogNew:
		return nil
	case domain.LogBlockWrite, domain.LogBlockDelete:
		return encodeBlockPair(e.BlockPair)
	case domain.LogContainerCommit:
		return e.ContainerID[:]
	case domain.LogGCUsageUpdate:
		return encodeGCDelta(e.GCDelta)
	case domain.LogConfigUpdate:
		return e.ConfigPayload
	default:
		return nil
	}
}

func decodeEventPayload(typ domain.LogEventType, id uint64, payload []byte) (domain.LogEvent, error) {
	ev := domain.LogEvent{ID: id, Type: typ}
	switch typ {
	case domain.LogEmpty, domain.LogNew:
	case domain.LogBlockWrite, domain.LogBlockDelete:
		pair, err := decodeBlockPair(payload)
		if err != nil {
			return ev, err
		}
		ev.BlockPair = pair
	case domain.LogContainerCommit:
		if len(payload) != 16 {
			return ev, fmt.Errorf("oplog: bad container commit payload length %d", len(payload))
		}
		copy(ev.ContainerID[:], payload)
	case domain.LogGCUsageUpdate:
		delta, err := decodeGCDelta(payload)
		if err != nil {
			return ev, err
		}
		ev.GCDelta = delta
	case domain.LogConfigUpdate:
		ev.ConfigPayload = append([]byte(nil), payload...)
	default:
		return ev, fmt.Errorf("oplog: unknown event type %d", typ)
	}
	return ev, nil
}

func encodeBlockMapping(m domain.BlockMapping) []byte {
	buf := make([]byte, 0, 8+8+8+4+4+len(m.Chunks)*domain.FingerprintSize)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], m.BlockID)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], m.Version)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], m.LogID)
	buf = append(buf, tmp[:]...)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], m.ChunkSize)
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(m.Chunks)))
	buf = append(buf, tmp4[:]...)
	for _, fp := range m.Chunks {
		buf = append(buf, fp[:]...)
	}
	return buf
}

func decodeBlockMapping(buf []byte) (domain.BlockMapping, int, error) {
	if len(buf) < 32 {
		return domain.BlockMapping{}, 0, fmt.Errorf("oplog: block mapping payload too small")
	}
	m := domain.BlockMapping{
		BlockID: binary.LittleEndian.Uint64(buf[0:8]),
		Version: binary.LittleEndian.Uint64(buf[8:16]),
		LogID:   binary.LittleEndian.Uint64(buf[16:24]),
	}
	m.ChunkSize = binary.LittleEndian.Uint32(buf[24:28])
	count := binary.LittleEndian.Uint32(buf[28:32])
	pos := 32
	m.Chunks = make([]domain.Fingerprint, count)
	for i := range int(count) {
		if pos+domain.FingerprintSize > len(buf) {
			return m, 0, fmt.Errorf("oplog: truncated chunk list")
		}
		copy(m.Chunks[i][:], buf[pos:pos+domain.FingerprintSize])
		pos += domain.FingerprintSize
	}
	return m, pos, nil
}

func encodeBlockPair(p *domain.BlockMappingPair) []byte {
	if p == nil {
		return []byte{0}
	}
	var buf []byte
	if p.Old != nil {
		buf = append(buf, 1)
		buf = append(buf, encodeBlockMapping(*p.Old)...)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, encodeBlockMapping(p.New)...)
	return buf
}

func decodeBlockPair(buf []byte) (*domain.BlockMappingPair, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("oplog: empty block pair payload")
	}
	hasOld := buf[0] == 1
	pos := 1
	pair := &domain.BlockMappingPair{}
	if hasOld {
		old, n, err := decodeBlockMapping(buf[pos:])
		if err != nil {
			return nil, err
		}
		pair.Old = &old
		pos += n
	}
	newM, _, err := decodeBlockMapping(buf[pos:])
	if err != nil {
		return nil, err
	}
	pair.New = newM
	return pair, nil
}

func encodeGCDelta(d *domain.GCUsageDelta) []byte {
	if d == nil {
		d = &domain.GCUsageDelta{}
	}
	buf := make([]byte, 0, 8+len(d.Added)*domain.FingerprintSize+len(d.Removed)*domain.FingerprintSize)
	var tmp4 [4]byte
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(d.Added)))
	buf = append(buf, tmp4[:]...)
	for _, fp := range d.Added {
		buf = append(buf, fp[:]...)
	}
	binary.LittleEndian.PutUint32(tmp4[:], uint32(len(d.Removed)))
	buf = append(buf, tmp4[:]...)
	for _, fp := range d.Removed {
		buf = append(buf, fp[:]...)
	}
	return buf
}

func decodeGCDelta(buf []byte) (*domain.GCUsageDelta, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("oplog: gc delta payload too small")
	}
	pos := 0
	addedCount := binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4
	d := &domain.GCUsageDelta{}
	for range int(addedCount) {
		if pos+domain.FingerprintSize > len(buf) {
			return nil, fmt.Errorf("oplog: truncated added list")
		}
		var fp domain.Fingerprint
		copy(fp[:], buf[pos:pos+domain.FingerprintSize])
		d.Added = append(d.Added, fp)
		pos += domain.FingerprintSize
	}
	if pos+4 > len(buf) {
		return nil, fmt.Errorf("oplog: truncated gc delta")
	}
	removedCount := binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4
	for range int(removedCount) {
		if pos+domain.FingerprintSize > len(buf) {
			return nil, fmt.Errorf("oplog: truncated removed list")
		}
		var fp domain.Fingerprint
		copy(fp[:], buf[pos:pos+domain.FingerprintSize])
		d.Removed = append(d.Removed, fp)
		pos += domain.FingerprintSize
	}
	return d, nil
}
