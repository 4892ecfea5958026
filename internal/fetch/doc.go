// Package fetch is the HTTP side of the cache: a shared upstream client, a
// linear retry policy over transient statuses and transport failures, and a
// single-asset downloader that streams a response body into a .tmp sibling,
// reports progress, and publishes the file atomically. Manifest text is
// fetched through the same retry path so the HLS mirror inherits it.
package fetch
