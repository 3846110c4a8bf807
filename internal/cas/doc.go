// Package cas is the content-addressable artifact store.
//
// Blobs are keyed by their ir.ContentHash. DiskStore keeps them on local
// disk under a sharded objects/ab/cdef... layout; TieredStore layers an
// optional remote Store (see package remote) behind a local one.
//
// Writes are write-once: a blob is staged in a temp file and renamed into
// place, so concurrent writers of the same content race benignly and a
// reader never observes a partial blob.
package cas
