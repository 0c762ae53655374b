package models

import (
	"fmt"
	"strconv"
	"strings"

	"lockbox/pkg/errdefs"
)

// Update is one unit of work in the fanout pipeline: a new version
// (digest) appeared for a relative path inside a top directory at TS.
type Update struct {
	TS      int64  `json:"ts"`
	TopDir  string `json:"top_dir"`
	RelPath string `json:"rel_path"`
	Digest  string `json:"digest"`
}

// updateFields is the fixed field count of an encoded update tuple.
const updateFields = 4

// Key encodes the update as the underscore-joined tuple used as a store
// key. The timestamp is zero-padded to a fixed width so lexicographic
// key order equals arrival order.
func (u Update) Key() string {
	return fmt.Sprintf("%020d_%s_%s_%s", u.TS, u.TopDir, u.RelPath, u.Digest)
}

// ParseUpdateKey decodes a tuple key produced by Update.Key. A wrong
// field count yields ErrMalformedRecord; such tuples are quarantined by
// the consumer rather than aborting it.
func ParseUpdateKey(key string) (Update, error) {
	parts := strings.Split(key, "_")
	if len(parts) != updateFields {
		return Update{}, fmt.Errorf("%w: tuple %q has %d fields, want %d",
			errdefs.ErrMalformedRecord, key, len(parts), updateFields)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Update{}, fmt.Errorf("%w: tuple %q timestamp: %v", errdefs.ErrMalformedRecord, key, err)
	}
	return Update{TS: ts, TopDir: parts[1], RelPath: parts[2], Digest: parts[3]}, nil
}
