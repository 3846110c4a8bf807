// Package remote is the HTTP request/response tier of the content store.
//
// Routes:
//
//	HEAD /cas/{hash}   200 if present, 404 otherwise
//	GET  /cas/{hash}   blob bytes, 404 if absent
//	PUT  /cas/{hash}   store body; 400 if it does not hash to {hash}
//	GET  /hello        {"success":true,"version":...,"hash_algorithm":"sha256"}
//
// Client implements cas.Store so it can sit behind cas.TieredStore.
package remote
