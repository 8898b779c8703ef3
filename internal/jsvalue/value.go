package jsvalue

// Handle is an owned, droppable reference to an engine-native value. It
// behaves like a smart pointer: Free releases the engine's reference.
// Borrowed values (returned from a native call but never stored) are never
// wrapped in a Handle — they are only valid for the duration of the call
// that produced them, per the Value Bridge's borrow/owned distinction.
type Handle interface {
	// Free releases the underlying engine reference. Safe to call once;
	// calling it twice is a caller bug, not a runtime-detected condition
	// (matching the teacher engines' Value.Free semantics).
	Free()
}

// TypedArrayView describes a JS typed array without losing the information
// needed to reconstruct its exact type on the Go side: the backing buffer,
// the byte offset/length of the view, and the element width in bytes (1 for
// Uint8Array, 2 for Int16Array, 8 for Float64Array, and so on). Round-
// tripping only the raw bytes would erase which typed-array constructor
// produced the view.
type TypedArrayView struct {
	Buffer       Handle // backing ArrayBuffer, owned
	ByteOffset   int
	ByteLength   int
	ElementWidth int
}

// Elements returns how many elements the view covers.
func (v TypedArrayView) Elements() int {
	if v.ElementWidth <= 0 {
		return 0
	}
	return v.ByteLength / v.ElementWidth
}
