package logger

import (
	"log/slog"
	"time"
)

// Field keys shared by every log statement in the cache and its backends.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	KeyOperation = "operation" // open, write, flush, fsync, truncate, close
	KeyPath      = "path"
	KeyFileID    = "file_id"
	KeyFD        = "fd"

	KeyOffset    = "offset"
	KeyLength    = "length"
	KeyBytes     = "bytes"
	KeyBlockBase = "block_base"
	KeyPieces    = "pieces"
	KeyState     = "state"

	KeyOutstanding = "outstanding"
	KeyAllocated   = "allocated"
	KeyCapacity    = "capacity"
	KeyQueued      = "queued"

	KeyBackend  = "backend" // memory, fs, s3, badger
	KeyBucket   = "bucket"
	KeyKey      = "key"
	KeyRegion   = "region"
	KeyEndpoint = "endpoint"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrno      = "errno"
)

// Err returns an error attribute; nil errors render as an empty string.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// Offset returns an offset attribute.
func Offset(off int64) slog.Attr {
	return slog.Int64(KeyOffset, off)
}

// Bytes returns a byte-count attribute.
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// Path returns a path attribute.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// DurationMs returns the elapsed time since start as a duration_ms attribute.
func DurationMs(start time.Time) slog.Attr {
	return slog.Float64(KeyDurationMs, Duration(start))
}
