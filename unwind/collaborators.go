package unwind

import "github.com/devnexen/pstack/procfs"

// InterpreterPrinter is the external-collaborator seam for interpreter-
// specific frame printers (e.g. a Python or Java bytecode interpreter
// recognizing its own frame layout within a native stack). This package
// defines only the interface; no implementation ships here.
type InterpreterPrinter interface {
	// Recognize reports whether frame belongs to a known interpreter loop
	// and, if so, a human-readable description of the interpreted frame
	// it corresponds to (e.g. a Python source location).
	Recognize(frame Frame) (description string, ok bool)
}

// ThreadStack is one thread's fully unwound, symbolicated frame list, the
// unit OutputSink consumes.
type ThreadStack struct {
	ThreadID int
	Frames   []Frame
	Err      error
}

// OutputSink is the external-collaborator seam for stack-trace
// formatting (text, JSON, or anything else). This package defines only
// the interface; rendering is explicitly out of scope here.
type OutputSink interface {
	// Emit is called once per process collected, after every thread of
	// proc has been unwound.
	Emit(pid int, proc procfs.Process, stacks []ThreadStack) error
}
