package domain

import "errors"

var (
	// ErrInvalidRunID is returned when a run identifier is empty or would
	// escape its key prefix.
	ErrInvalidRunID = errors.New("invalid run id")

	// ErrInvalidSelector is returned when a shard selector is empty or would
	// escape its key prefix.
	ErrInvalidSelector = errors.New("invalid shard selector")

	// ErrEmptyArchive is returned when a shard upload carries no body.
	ErrEmptyArchive = errors.New("shard archive is empty")

	// ErrArchiveTooLarge is returned when a shard upload exceeds the size limit.
	ErrArchiveTooLarge = errors.New("shard archive exceeds maximum size")

	// ErrInvalidArchive is returned when a shard upload is not a gzip archive.
	ErrInvalidArchive = errors.New("shard archive is not a gzip archive")

	// ErrPublishIncomplete marks a partial publish: latest/history was
	// promoted but the report body was not fully written. A subsequent run
	// must retry the publish.
	ErrPublishIncomplete = errors.New("report publish incomplete")

	// ErrEnqueueFailed is returned when the generate request could not be
	// handed to the message broker.
	ErrEnqueueFailed = errors.New("failed to enqueue generate request")
)
