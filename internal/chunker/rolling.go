package chunker

// rollingWindow maintains a polynomial rolling hash over the trailing
// windowSize bytes: hash = sum(buf[i] * polyBase^(windowSize-1-i)). Each
// byte pushed in removes the oldest byte's contribution and adds the new
// one, both in O(1).
type rollingWindow struct {
	buf    [windowSize]byte
	pos    int
	filled int
	hash   uint64
}

var polyPow = func() uint64 {
	p := uint64(1)
	for range windowSize {
		p *= polyBase
	}
	return p
}()

// push rolls b into the window and returns the updated hash.
func (w *rollingWindow) push(b byte) uint64 {
	old := w.buf[w.pos]
	w.buf[w.pos] = b
	w.pos = (w.pos + 1) % windowSize
	w.hash = w.hash*polyBase + uint64(b) - uint64(old)*polyPow
	if w.filled < windowSize {
		w.filled++
	}
	return w.hash
}

// rollingSession implements Session via content-defined chunking.
type rollingSession struct {
	policy Policy
	mask   uint64
	window rollingWindow

	started    bool
	chunkStart uint64
	openBuf    []byte
}

// NewRollingSession creates a content-defined chunking session with the
// given policy.
func NewRollingSession(policy Policy) Session {
	return &rollingSession{policy: policy, mask: policy.mask()}
}

func (s *rollingSession) ChunkData(data []byte, offset uint64, lastCall bool) []Chunk {
	if !s.started {
		s.chunkStart = offset
		s.started = true
	}

	var chunks []Chunk
	for _, b := range data {
		s.openBuf = append(s.openBuf, b)
		h := s.window.push(b)

		size := uint32(len(s.openBuf))
		cut := size >= s.policy.Max
		if !cut && size >= s.policy.Min && s.window.filled == windowSize && h&s.mask == 0 {
			cut = true
		}
		if cut {
			chunks = append(chunks, Chunk{Offset: s.chunkStart, Data: cloneBytes(s.openBuf)})
			s.chunkStart += uint64(len(s.openBuf))
			s.openBuf = s.openBuf[:0]
			s.window = rollingWindow{}
		}
	}

	if lastCall && len(s.openBuf) > 0 {
		chunks = append(chunks, Chunk{Offset: s.chunkStart, Data: cloneBytes(s.openBuf)})
		s.chunkStart += uint64(len(s.openBuf))
		s.openBuf = s.openBuf[:0]
		s.window = rollingWindow{}
	}

	return chunks
}

func (s *rollingSession) OpenChunkPosition() uint64 { return s.chunkStart }

func (s *rollingSession) GetOpenChunkData(buf []byte, offset uint32) int {
	if int(offset) >= len(s.openBuf) {
		return 0
	}
	return copy(buf, s.openBuf[offset:])
}
