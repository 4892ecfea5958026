// Package downloader is the public request surface of the cache. A
// Coordinator answers "is this URL cached", hands out local paths, and turns
// cache requests into a progress channel that terminates with 1.0 or an
// error. Concurrent requests for one URL share a single transfer through a
// singleflight group owned by the Coordinator instance; waiters only observe
// the terminal result. Eviction runs before each new transfer, and manifest
// URLs are routed to the HLS mirror while everything else is fetched as a
// single file.
package downloader
