// Package server hosts the Fiber HTTP surface of the cache: request-id and
// recover middleware plus a /files/* handler that serves completed cache
// entries (single files and every file inside an HLS bundle) so a player can
// stream them over loopback HTTP. Management routes live in the routes
// subpackage and are registered under the /-/ prefix. Keep exports narrow and
// accept explicit dependencies.
package server
