// Package ckerr defines the closed set of error kinds the core reports:
// format, I/O, integrity, catalog, policy and not-found errors. Each kind is
// a spacemonkeygo/errors class so callers can match on kind with
// errors.GetClass rather than string-sniffing error text.
package ckerr

import (
	spmkerrors "github.com/spacemonkeygo/errors"
)

var (
	// Format errors: input does not match the expected binary/text schema
	// (bad CHD header, malformed detector XML, bad hash string).
	Format = spmkerrors.NewClass("format_error")

	// IO errors: filesystem or archive-library failure.
	IO = spmkerrors.NewClass("io_error")

	// Integrity errors: declared hash disagrees with computed hash.
	Integrity = spmkerrors.NewClass("integrity_error")

	// Catalog errors: database open/query failure, schema-version mismatch.
	Catalog = spmkerrors.NewClass("catalog_error")

	// Policy errors: attempted operation conflicts with flags (rename into
	// existing name, delete with no-delete policy).
	Policy = spmkerrors.NewClass("policy_error")

	// NotFound: hash or name not present.
	NotFound = spmkerrors.NewClass("not_found")
)

// WithContext wraps err, prefixing it with path/game/entry context as it
// propagates up through callers. It is a no-op if err is nil.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	if cls := spmkerrors.GetClass(err); cls != nil {
		return cls.Wrap(err, context)
	}
	return spmkerrors.Wrap(err, context)
}

// Is reports whether err belongs to the given class.
func Is(err error, class *spmkerrors.ErrorClass) bool {
	return class.Contains(err)
}
