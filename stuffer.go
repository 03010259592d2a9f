package seam

// Stuffer is a growable byte buffer with independent sequential write and
// read cursors.  Writes always succeed by growing the backing array; reads
// are satisfied partially when fewer bytes are buffered than requested and
// never block.  A pair of Stuffers makes a serviceable in-memory simulation
// of a bidirectional transport, which is how the tests and any host without
// a real socket drive the engine.
type Stuffer struct {
	data       []byte
	readCursor int
}

// NewStuffer returns an empty growable Stuffer.
func NewStuffer() *Stuffer {
	return &Stuffer{}
}

// WriteBytes appends p to the buffer.  It always accepts the full slice.
func (s *Stuffer) WriteBytes(p []byte) {
	s.data = append(s.data, p...)
}

// ReadBytes copies up to len(p) buffered bytes into p and advances the read
// cursor.  It returns the number of bytes copied, which is zero when no data
// is buffered.  Zero is a valid result, distinct from any error condition.
func (s *Stuffer) ReadBytes(p []byte) int {
	n := copy(p, s.data[s.readCursor:])
	s.readCursor += n
	s.compact()
	return n
}

// DataAvailable reports the number of bytes buffered but not yet read.
func (s *Stuffer) DataAvailable() int {
	return len(s.data) - s.readCursor
}

// Reset discards all buffered data and rewinds both cursors.
func (s *Stuffer) Reset() {
	s.data = s.data[:0]
	s.readCursor = 0
}

// Once everything written has been consumed the backing slice can be reused
// from the start without copying.
func (s *Stuffer) compact() {
	if s.readCursor == len(s.data) {
		s.data = s.data[:0]
		s.readCursor = 0
	}
}

// Write implements io.Writer.
func (s *Stuffer) Write(p []byte) (int, error) {
	s.WriteBytes(p)
	return len(p), nil
}

// Read implements a non-blocking io.Reader: an empty buffer yields
// AlertWouldBlock rather than io.EOF, since more data may arrive later.
func (s *Stuffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n := s.ReadBytes(p)
	if n == 0 {
		return 0, AlertWouldBlock
	}
	return n, nil
}
