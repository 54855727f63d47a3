package gcsuploader

import (
	"context"
)

// Archiver stores a copy of an imported source file or receipt image.
type Archiver interface {
	// Archive writes data under kind/ and returns its gs:// URI.
	Archive(ctx context.Context, kind, filename string, data []byte) (string, error)
}

// Fetcher reads source files referenced by gs:// URIs.
type Fetcher interface {
	FetchFromGCS(ctx context.Context, gcsURI string) ([]byte, error)
}

// StorageService is the full archive surface used by the binaries.
type StorageService interface {
	Archiver
	Fetcher
	Close() error
}

// Archive kinds.
const (
	KindStatement = "statements"
	KindReceipt   = "receipts"
)
