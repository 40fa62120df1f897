// Package artifact implements the target artifact store: a named set of
// text files that fixd reads, snapshots and, when authorized, rewrites.
//
// Snapshots are written next to the original as
// <path>.backup-<unixMillis>. The millisecond suffix doubles as the
// snapshot id, so snapshots survive process restarts and can be listed
// straight from the store. A snapshot is only returned once its content
// has been read back and its hash matches the original.
package artifact
