// Package hls mirrors an HLS presentation into a self-contained bundle
// directory. Starting from a root playlist it walks every nested playlist with
// an explicit worklist, downloads the segments, init sections and keys they
// reference, and rewrites each playlist so all references become paths
// relative to the playlist's own location inside the bundle. Live playlists
// are refreshed a bounded number of times and then closed with
// #EXT-X-ENDLIST so the bundle plays from static files. The bundle is built
// under a .tmp directory and published with a single rename.
package hls
