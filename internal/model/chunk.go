package model

// MaxChunkSize is the number of samples after which the capture engine hands a chunk to the bridge
const MaxChunkSize = 100

// SensorChunk is an ordered batch of samples transmitted as one unit
type SensorChunk struct {
	Sequence uint64          // per-engine monotonic chunk counter
	Samples  []SensorSample  // at most MaxChunkSize, in capture order
	Phase    Phase           // phase active when the chunk was flushed
	Context  *SessionContext // correlation ids, nil outside a session
	Final    bool            // terminal chunk flushed by Stop
}

// Len returns the number of samples in the chunk
func (c SensorChunk) Len() int {
	return len(c.Samples)
}
