package block

import "fmt"

// FlushError reports the first piece of a block that could not be written.
type FlushError struct {
	Offset int64
	Length int64
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush [%d,%d): %v", e.Offset, e.Offset+e.Length, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }
