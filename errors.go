package doccache

import (
	"errors"

	cachekey "github.com/always-cache/doccache/pkg/cache-key"
)

var (
	// ErrRefused is returned when a document may not load a URL.
	ErrRefused = errors.New("resource request refused")
	// ErrKindMismatch is returned when a URL is cached as a different kind.
	ErrKindMismatch = errors.New("resource cached with a different kind")
	// ErrMultipartUnsupported fails a job whose kind cannot take multipart responses.
	ErrMultipartUnsupported = errors.New("multipart response not supported for resource kind")
	// ErrCanceled is reported to clients of an entry evicted while loading.
	ErrCanceled = errors.New("resource load canceled")
	// ErrNoFetcher is returned by a synchronous load when the transport cannot block.
	ErrNoFetcher = errors.New("transport does not support blocking fetches")
	// ErrLoopClosed is returned for work handed to a closed Loop.
	ErrLoopClosed = errors.New("cache loop closed")
	// ErrMalformedURL is the failure of entries created for unusable URLs.
	ErrMalformedURL = cachekey.ErrMalformedURL
)
