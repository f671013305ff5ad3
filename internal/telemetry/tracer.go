package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys.
const (
	AttrPath        = "file.path"
	AttrFileID      = "file.id"
	AttrOffset      = "io.offset"
	AttrLength      = "io.length"
	AttrBlockBase   = "cache.block.base"
	AttrBlockPieces = "cache.block.pieces"
	AttrBlockBytes  = "cache.block.bytes"
	AttrOutstanding = "cache.outstanding"
	AttrBackend     = "storage.backend"
	AttrBucket      = "storage.bucket"
	AttrKey         = "storage.key"
)

// Span names.
const (
	SpanSubmit         = "cache.submit"
	SpanBlockFlush     = "cache.block.flush"
	SpanForceAllWrites = "cache.force_all_writes"
	SpanAcquireWait    = "cache.acquire.wait"

	SpanFileWrite    = "file.write"
	SpanFileRead     = "file.read"
	SpanFileFsync    = "file.fsync"
	SpanFileClose    = "file.close"
	SpanFileTruncate = "file.truncate"

	SpanS3Put = "s3.put_object"
	SpanS3Get = "s3.get_object"
)

// Path returns a file path attribute.
func Path(p string) attribute.KeyValue { return attribute.String(AttrPath, p) }

// FileID returns a file identity attribute.
func FileID(id string) attribute.KeyValue { return attribute.String(AttrFileID, id) }

// Offset returns an I/O offset attribute.
func Offset(off int64) attribute.KeyValue { return attribute.Int64(AttrOffset, off) }

// Length returns an I/O length attribute.
func Length(n int) attribute.KeyValue { return attribute.Int(AttrLength, n) }

// BlockBase returns the aligned block offset attribute.
func BlockBase(base int64) attribute.KeyValue { return attribute.Int64(AttrBlockBase, base) }

// BlockPieces returns the number of valid ranges in a block.
func BlockPieces(n int) attribute.KeyValue { return attribute.Int(AttrBlockPieces, n) }

// BlockBytes returns the number of tracked bytes in a block.
func BlockBytes(n int64) attribute.KeyValue { return attribute.Int64(AttrBlockBytes, n) }

// Outstanding returns the outstanding byte count of a file.
func Outstanding(n int64) attribute.KeyValue { return attribute.Int64(AttrOutstanding, n) }

// Backend returns the backend type attribute.
func Backend(name string) attribute.KeyValue { return attribute.String(AttrBackend, name) }

// Bucket returns an S3 bucket attribute.
func Bucket(name string) attribute.KeyValue { return attribute.String(AttrBucket, name) }

// Key returns an object key attribute.
func Key(k string) attribute.KeyValue { return attribute.String(AttrKey, k) }
