package wire

import (
	"fmt"
	"strconv"
)

// Reassembler turns inbound websocket chunks into messages. A chunk made only of digits
// announces how many of the following chunks form the next message; any other chunk is a
// complete JSON document. It is owned by a single reader.
type Reassembler struct {
	pending int
	buf     []byte
}

// Push feeds one chunk. It returns a nil message and nil error while a multi-chunk message is
// still incomplete, for count chunks and for empty chunks.
func (r *Reassembler) Push(chunk []byte) (Message, error) {
	if len(chunk) == 0 {
		return nil, nil
	}

	if r.pending > 0 {
		r.buf = append(r.buf, chunk...)
		r.pending--
		if r.pending > 0 {
			return nil, nil
		}

		buf := r.buf
		r.buf = nil
		return Decode(buf)
	}

	if !isDigit(chunk[0]) {
		return Decode(chunk)
	}

	n, err := strconv.Atoi(string(chunk))
	if err != nil {
		return nil, fmt.Errorf("%w: bad frame count %q", ErrMalformed, chunk)
	}
	r.pending = n
	r.buf = nil
	return nil, nil
}

// Pending reports how many chunks are still expected.
func (r *Reassembler) Pending() int {
	return r.pending
}

// Reset drops any partial message.
func (r *Reassembler) Reset() {
	r.pending = 0
	r.buf = nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
