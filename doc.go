// Package mvcore is the storage and indexing core of a MultiValue-style
// database: a disk-resident key/value store whose records are
// variable-length byte strings keyed by variable-length byte-string
// identifiers, augmented by per-file secondary indices supporting both
// exact lookup and ordered range traversal.
//
// This package holds the shared types (error taxonomy, configuration,
// record identifiers, delimiter constants) used across the engine's
// subpackages:
//
//   - control  — the shared control region (file table, lock tables, user table)
//   - subfile  — positioned block I/O with an LRU descriptor cache
//   - locks    — the group and record lock managers
//   - dh       — the dynamic-hash primary file engine
//   - ak       — the B+tree alternate-key index engine
//   - scan     — the resumable select engine
//   - txcache  — the per-process transaction write buffer
//   - collab   — trigger dispatch, directory-file fallback, net-file stub
package mvcore
