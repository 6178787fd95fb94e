package storage

import "errors"

// ErrNotFound is returned when a lookup by id or hash has no match.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateOpportunity reports an opportunity whose hash (symbol, strike,
// expiration, type, creation_date) already exists. No Store method returns it:
// UpsertOpportunity merges a duplicate into the existing row instead.
var ErrDuplicateOpportunity = errors.New("opportunity already exists for this hash")
