// Package byteview provides a non-owning window over a contiguous byte
// range, used by the demuxer's per-stream accumulator to hand watchers a
// view into buffered bytes without copying until a message is actually
// consumed.
package byteview

// View is a read-only, non-owning slice of an underlying buffer. It is only
// valid until the owner next mutates the backing buffer (e.g. via Advance
// on the accumulator that produced it); callers that need to retain data
// past that point must copy it out with Copy.
type View struct {
	data []byte
}

// Of wraps b without copying. The caller retains ownership of b.
func Of(b []byte) View {
	return View{data: b}
}

// Len reports the number of bytes in the view.
func (v View) Len() int {
	return len(v.data)
}

// Empty reports whether the view has zero length. The demuxer uses an
// empty View as the EOF sentinel delivered to stream watchers.
func (v View) Empty() bool {
	return len(v.data) == 0
}

// Bytes returns the underlying slice. It is not a copy; callers that need
// to keep the data beyond the view's validity window must copy it.
func (v View) Bytes() []byte {
	return v.data
}

// Slice returns a sub-view [lo, hi) without copying.
func (v View) Slice(lo, hi int) View {
	return View{data: v.data[lo:hi]}
}

// After returns the sub-view starting at offset n, i.e. what remains after
// consuming n bytes.
func (v View) After(n int) View {
	return View{data: v.data[n:]}
}

// Copy returns an owned copy of the view's bytes.
func (v View) Copy() []byte {
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}
