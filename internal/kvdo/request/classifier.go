package request

import "errors"

// ErrInvalid is returned by Classify when a Request violates the payload/
// operation invariants from the data model: a flush (or pre-flush marker)
// must carry zero payload bytes, and every other operation must carry a
// nonzero payload. Alignment to the device block size is not checked.
var ErrInvalid = errors.New("kvdo: invalid request")

// Classify validates r and assigns it to a dispatch Class. flushOwned
// indicates whether this Instance owns flush semantics (true) or has
// delegated flush handling to the backing device (false); it only matters
// for flush-like requests.
//
// Rules, applied in order, mirror check_bio_validity in
// original_source/vdo/kernel/kernelLayer.c:
//  1. operation must be one of Read, Write, Flush, Discard.
//  2. a flush or pre-flush request must have zero payload bytes.
//  3. every other request must have a nonzero payload.
func Classify(r Request, flushOwned bool) (Class, error) {
	switch r.Operation {
	case Read, Write, Flush, Discard:
	default:
		return 0, ErrInvalid
	}

	if r.IsFlushLike() {
		if r.PayloadBytes != 0 {
			return 0, ErrInvalid
		}
		if flushOwned {
			return ClassFlushOwn, nil
		}
		return ClassFlushPassthrough, nil
	}

	if r.PayloadBytes == 0 {
		return 0, ErrInvalid
	}

	if r.Operation == Discard {
		return ClassDiscard, nil
	}
	return ClassData, nil
}
