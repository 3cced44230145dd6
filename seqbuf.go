package replica

// SequenceBuffer maps 16-bit wrapping sequence numbers onto a fixed ring of
// entries. An entry is only valid while its slot still records the sequence
// it was inserted with.
type SequenceBuffer[T any] struct {
	// Sequence is one past the newest sequence inserted so far.
	Sequence      uint16
	entrySequence []uint32
	entries       []T
}

const available = 0xFFFFFFFF

func NewSequenceBuffer[T any](numEntries int) *SequenceBuffer[T] {
	sb := &SequenceBuffer[T]{
		entrySequence: make([]uint32, numEntries),
		entries:       make([]T, numEntries),
	}
	sb.Reset()
	return sb
}

func (sb *SequenceBuffer[T]) Len() int {
	return len(sb.entries)
}

func (sb *SequenceBuffer[T]) Reset() {
	sb.ResetTo(0)
}

// ResetTo empties the buffer and makes seq the next expected sequence.
func (sb *SequenceBuffer[T]) ResetTo(seq uint16) {
	sb.Sequence = seq
	var zero T
	for i := range sb.entrySequence {
		sb.entrySequence[i] = available
		sb.entries[i] = zero
	}
}

func (sb *SequenceBuffer[T]) index(sequence uint16) int {
	return int(sequence) % len(sb.entries)
}

func (sb *SequenceBuffer[T]) removeEntries(start, finish int) {
	if finish < start {
		finish += 65536
	}
	var zero T
	if finish-start < len(sb.entries) {
		for sequence := start; sequence <= finish; sequence++ {
			index := sb.index(uint16(sequence))
			sb.entrySequence[index] = available
			sb.entries[index] = zero
		}
	} else {
		for i := range sb.entries {
			sb.entrySequence[i] = available
			sb.entries[i] = zero
		}
	}
}

// TestInsert reports whether sequence is recent enough to be inserted.
func (sb *SequenceBuffer[T]) TestInsert(sequence uint16) bool {
	return !LessThan(sequence, sb.Sequence-uint16(len(sb.entries)))
}

// Insert claims the slot for sequence and returns its zeroed entry, or nil
// when sequence is too old for the buffer.
func (sb *SequenceBuffer[T]) Insert(sequence uint16) *T {
	if !sb.TestInsert(sequence) {
		return nil
	}
	if GreaterThan(sequence+1, sb.Sequence) {
		sb.removeEntries(int(sb.Sequence), int(sequence))
		sb.Sequence = sequence + 1
	}
	index := sb.index(sequence)
	sb.entrySequence[index] = uint32(sequence)
	var zero T
	sb.entries[index] = zero
	return &sb.entries[index]
}

func (sb *SequenceBuffer[T]) Remove(sequence uint16) {
	index := sb.index(sequence)
	if sb.entrySequence[index] != uint32(sequence) {
		return
	}
	var zero T
	sb.entrySequence[index] = available
	sb.entries[index] = zero
}

func (sb *SequenceBuffer[T]) Available(sequence uint16) bool {
	return sb.entrySequence[sb.index(sequence)] == available
}

func (sb *SequenceBuffer[T]) Exists(sequence uint16) bool {
	return sb.entrySequence[sb.index(sequence)] == uint32(sequence)
}

func (sb *SequenceBuffer[T]) Find(sequence uint16) *T {
	index := sb.index(sequence)
	if sb.entrySequence[index] == uint32(sequence) {
		return &sb.entries[index]
	}
	return nil
}

// AtIndex returns the entry stored in slot index along with its sequence.
func (sb *SequenceBuffer[T]) AtIndex(index int) (*T, uint16) {
	if sb.entrySequence[index] != available {
		return &sb.entries[index], uint16(sb.entrySequence[index])
	}
	return nil, 0
}

// GenerateAckBits returns the newest inserted sequence and a bitfield where
// bit i is set when ack-1-i is present. Only the low numBits bits are used.
func (sb *SequenceBuffer[T]) GenerateAckBits(numBits int) (ack uint16, ackBits uint32) {
	ack = sb.Sequence - 1
	var mask uint32 = 1
	for i := 0; i < numBits && i < 32; i++ {
		sequence := ack - 1 - uint16(i)
		if sb.Exists(sequence) {
			ackBits |= mask
		}
		mask <<= 1
	}
	return ack, ackBits
}

// LessThan reports whether s1 is older than s2 under wraparound.
func LessThan(s1, s2 uint16) bool {
	return GreaterThan(s2, s1)
}

// GreaterThan reports whether s1 is newer than s2 under wraparound.
func GreaterThan(s1, s2 uint16) bool {
	return ((s1 > s2) && (s1-s2 <= 32768)) || ((s1 < s2) && (s2-s1 > 32768))
}

// SequenceDiff is the signed distance from s2 to s1.
func SequenceDiff(s1, s2 uint16) int {
	return int(int16(s1 - s2))
}
