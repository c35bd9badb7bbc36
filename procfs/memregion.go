package procfs

// regionReader reads length bytes of this region's backing store starting
// addr bytes past the region's own base (i.e. already translated out of
// process-virtual-address space by the caller).
type regionReader interface {
	ReadAt(off int64, length int64) ([]byte, error)
}

// region is one (address range -> backing reader) mapping in a splicedMemory.
type region struct {
	start, length uint64
	base          uint64 // offset into the backing reader corresponding to start
	r             regionReader
}

func (e region) end() uint64 { return e.start + e.length }

// splicedMemory represents a post-mortem address space assembled from
// multiple overlapping sources — typically a full read-only mapping from a
// loaded object's on-disk image, then a narrower read-write mapping
// overridden by the core file's own PT_LOAD contents. Later add calls
// win over earlier ones on overlap, giving exe-then-core layering.
type splicedMemory struct {
	regions []region
}

// add overlays a new [start, start+length) mapping backed by r (read from
// r starting at file offset base), trimming or splitting any existing
// regions it overlaps.
func (s *splicedMemory) add(r regionReader, start, base, length uint64) {
	if length == 0 {
		return
	}
	end := start + length
	var out []region
	inserted := false
	insertSelf := func() {
		if !inserted {
			out = append(out, region{start: start, length: length, base: base, r: r})
			inserted = true
		}
	}
	for _, e := range s.regions {
		switch {
		case e.end() <= start:
			out = append(out, e)
		case end <= e.start:
			insertSelf()
			out = append(out, e)
		case start <= e.start && e.end() <= end:
			// fully overridden, drop
		case e.start < start && e.end() <= end:
			e.length = start - e.start
			out = append(out, e)
		case start <= e.start && end < e.end():
			insertSelf()
			newStart := end
			e.base += end - e.start
			e.length = e.end() - end
			e.start = newStart
			out = append(out, e)
		default: // e.start < start && end < e.end(): new region splits e in two
			left := e
			left.length = start - e.start
			right := e
			right.base += end - e.start
			right.length = right.end() - end
			right.start = end
			insertSelf()
			out = append(out, left, right)
		}
	}
	insertSelf()
	s.regions = out
}

// readAt copies up to len(buf) bytes starting at addr, stopping at the
// first gap between mapped regions (or at buf's end). It returns the
// number of bytes copied; a short result with no error means the caller
// hit an unmapped hole and should consult a different fallback.
func (s *splicedMemory) readAt(addr uint64, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		cur := addr + uint64(total)
		e, ok := s.find(cur)
		if !ok {
			break
		}
		n := len(buf) - total
		if avail := e.end() - cur; uint64(n) > avail {
			n = int(avail)
		}
		data, err := e.r.ReadAt(int64(e.base+(cur-e.start)), int64(n))
		if err != nil {
			return total, err
		}
		copy(buf[total:total+len(data)], data)
		total += len(data)
		if len(data) < n {
			break
		}
	}
	return total, nil
}

func (s *splicedMemory) find(addr uint64) (region, bool) {
	for _, e := range s.regions {
		if addr >= e.start && addr < e.end() {
			return e, true
		}
	}
	return region{}, false
}
