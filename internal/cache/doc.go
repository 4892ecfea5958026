// Package cache owns the on-disk layout of the video cache. Simple assets live
// at <root>/<md5(url)><ext>; HLS bundles live at <root>/<md5(url)>.hls/ with a
// fixed index.m3u8 plus playlists/ and assets/ subfolders. Writers stage data
// under a .tmp sibling and publish it with delete-then-rename so lookups never
// observe a partial entry. The Store answers lookups, aggregates size/count
// for info snapshots, and evicts the oldest entries when the configured budget
// is exceeded. Nothing about directory contents is cached in memory; every
// query re-reads the filesystem.
package cache
