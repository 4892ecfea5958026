package cache

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

const (
	// BundleSuffix 标记 HLS bundle 目录。
	BundleSuffix = ".hls"
	// TempSuffix 标记下载中的临时文件或目录，查询与统计均忽略。
	TempSuffix = ".tmp"
	// IndexName 为 bundle 内固定的根 playlist 文件名。
	IndexName = "index.m3u8"
	// PlaylistDir / AssetDir 为 bundle 内子 playlist 与媒体资源目录。
	PlaylistDir = "playlists"
	AssetDir    = "assets"

	manifestExt = ".m3u8"
	fallbackExt = ".mp4"
)

// knownExtensions 为可从 URL 直接沿用的容器/playlist 扩展名。
var knownExtensions = map[string]struct{}{
	".mp4":  {},
	".m4v":  {},
	".mov":  {},
	".mkv":  {},
	".webm": {},
	".avi":  {},
	".flv":  {},
	".3gp":  {},
	".ts":   {},
	".m3u8": {},
	".mpd":  {},
}

// Identity 是一个 URL 在缓存中的确定性身份。
type Identity struct {
	Hash      string
	Ext       string
	FileName  string
	BundleDir string
}

// IdentityFor 计算 URL 的缓存身份；扩展名推断只是尽力而为的启发式。
func IdentityFor(rawURL string) Identity {
	hash := HashURL(rawURL)
	ext := inferExtension(rawURL)
	return Identity{
		Hash:      hash,
		Ext:       ext,
		FileName:  hash + ext,
		BundleDir: hash + BundleSuffix,
	}
}

// HashURL 返回 URL 字符串的 md5 十六进制摘要。
func HashURL(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// IsManifestURL 判断 URL 是否按 HLS bundle 形态存储。
func IsManifestURL(rawURL string) bool {
	return strings.HasSuffix(strings.ToLower(urlPath(rawURL)), manifestExt)
}

// PlaylistFileName 返回 bundle 内子 playlist 的文件名。
func PlaylistFileName(rawURL string) string {
	return HashURL(rawURL) + manifestExt
}

// AssetFileName 返回 bundle 内资源文件名；URL 没有可用扩展名时使用 fallback。
func AssetFileName(rawURL, fallback string) string {
	ext := strings.ToLower(path.Ext(urlPath(rawURL)))
	if !isPlainExt(ext) {
		ext = fallback
	}
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return HashURL(rawURL) + ext
}

func inferExtension(rawURL string) string {
	ext := strings.ToLower(path.Ext(urlPath(rawURL)))
	if _, ok := knownExtensions[ext]; ok {
		return ext
	}
	return fallbackExt
}

func urlPath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		if idx := strings.IndexAny(rawURL, "?#"); idx >= 0 {
			return rawURL[:idx]
		}
		return rawURL
	}
	return parsed.Path
}

// isPlainExt 只接受 1-5 位字母数字扩展名，避免把路径噪声带进文件名。
func isPlainExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
