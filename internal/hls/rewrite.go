package hls

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Sanaullah49/vidkit/internal/cache"
)

// ErrUnsupportedReference 表示 playlist 中的引用行无法通过 HTTP 获取。
var ErrUnsupportedReference = errors.New("unsupported manifest reference")

// attrPair 依次匹配属性列表中的 NAME=VALUE。带引号的值整体消费，
// 其中的逗号或 "URI=" 不会被当作新的属性。
var attrPair = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^,]*)`)

type refKind int

const (
	refNone refKind = iota
	refPlaylist
	refAsset
)

const (
	tagStreamInf = "#EXT-X-STREAM-INF"
	tagEndList   = "#EXT-X-ENDLIST"
	tagInf       = "#EXTINF"
	tagTarget    = "#EXT-X-TARGETDURATION"
	tagPart      = "#EXT-X-PART"

	segmentFallbackExt = ".ts"
)

var playlistTags = map[string]struct{}{
	"#EXT-X-MEDIA":              {},
	"#EXT-X-I-FRAME-STREAM-INF": {},
	"#EXT-X-IMAGE-STREAM-INF":   {},
}

// assetTags 映射到资源 URL 没有扩展名时使用的后缀。
var assetTags = map[string]string{
	"#EXT-X-KEY":          ".key",
	"#EXT-X-SESSION-KEY":  ".key",
	"#EXT-X-MAP":          ".mp4",
	tagPart:               ".m4s",
	"#EXT-X-SESSION-DATA": ".json",
}

// alwaysDropTags 指向服务端尚未生成的内容，离线镜像中没有意义。
var alwaysDropTags = map[string]struct{}{
	"#EXT-X-PRELOAD-HINT":     {},
	"#EXT-X-RENDITION-REPORT": {},
}

// liveOnlyTags 在直播快照收尾时移除。
var liveOnlyTags = map[string]struct{}{
	"#EXT-X-SERVER-CONTROL":   {},
	"#EXT-X-PART-INF":         {},
	tagPart:                   {},
	"#EXT-X-SKIP":             {},
	"#EXT-X-PRELOAD-HINT":     {},
	"#EXT-X-RENDITION-REPORT": {},
}

// segmentBlockTags 描述单个分片，分片被丢弃时一并移除。
var segmentBlockTags = map[string]struct{}{
	tagInf:                     {},
	"#EXT-X-BYTERANGE":         {},
	"#EXT-X-PROGRAM-DATE-TIME": {},
	"#EXT-X-GAP":               {},
	"#EXT-X-BITRATE":           {},
}

// entry 是 playlist 的一行。kind 非 refNone 时 target 为解析后的绝对 URL。
type entry struct {
	text string
	tag  string

	kind      refKind
	target    string
	fallback  string
	reference bool
	// droppable 的资源在直播刷新期间返回 404/410 时可被移除。
	droppable bool

	// uriStart/uriEnd 为 tag 行中 URI 值的位置（不含引号）。
	uriStart, uriEnd int
}

type playlist struct {
	entries        []entry
	live           bool
	targetDuration time.Duration
	// closeOut 表示渲染时追加 #EXT-X-ENDLIST。
	closeOut bool
}

// parsePlaylist 将 playlist 文本拆分为行并解析引用。finalize 为 true 时直播专用 tag 被剥离。
func parsePlaylist(text, baseURL string, finalize bool) (*playlist, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse playlist url %s: %w", baseURL, err)
	}

	lines := splitLines(text)
	pl := &playlist{
		live:           isLive(lines),
		targetDuration: targetDuration(lines),
	}
	strip := finalize && pl.live
	pl.closeOut = strip

	nextIsPlaylist := false
	for _, raw := range lines {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			pl.entries = append(pl.entries, entry{text: raw})
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			tag := tagName(trimmed)
			if _, drop := alwaysDropTags[tag]; drop {
				continue
			}
			if _, live := liveOnlyTags[tag]; live && strip {
				continue
			}
			if tag == tagStreamInf {
				nextIsPlaylist = true
			}
			pl.entries = append(pl.entries, tagEntry(trimmed, tag, base))
			continue
		}

		target, ok := resolve(base, trimmed)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedReference, trimmed)
		}
		e := entry{text: trimmed, target: target, reference: true}
		if nextIsPlaylist || cache.IsManifestURL(target) {
			e.kind = refPlaylist
		} else {
			e.kind = refAsset
			e.fallback = segmentFallbackExt
			e.droppable = true
		}
		nextIsPlaylist = false
		pl.entries = append(pl.entries, e)
	}
	return pl, nil
}

func tagEntry(line, tag string, base *url.URL) entry {
	e := entry{text: line, tag: tag}

	kind := refNone
	fallback := ""
	if _, ok := playlistTags[tag]; ok {
		kind = refPlaylist
	} else if ext, ok := assetTags[tag]; ok {
		kind = refAsset
		fallback = ext
	}
	if kind == refNone {
		return e
	}

	start, end, found := uriSpan(line)
	if !found {
		return e
	}
	// 非网络 scheme（如 skd://、data:）原样保留，交由播放器处理。
	target, ok := resolve(base, line[start:end])
	if !ok {
		return e
	}

	e.kind = kind
	e.target = target
	e.fallback = fallback
	e.droppable = tag == tagPart
	e.uriStart, e.uriEnd = start, end
	return e
}

// uriSpan 返回 tag 行中 URI 属性值的位置，带引号时只取引号内部，改写后保留原有引号。
func uriSpan(line string) (start, end int, ok bool) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return 0, 0, false
	}
	offset := colon + 1
	for _, m := range attrPair.FindAllStringSubmatchIndex(line[offset:], -1) {
		if line[offset+m[2]:offset+m[3]] != "URI" {
			continue
		}
		start, end = offset+m[4], offset+m[5]
		if end-start >= 2 && line[start] == '"' && line[end-1] == '"' {
			start++
			end--
		}
		return start, end, true
	}
	return 0, 0, false
}

// render 输出重写后的 playlist。self 为该 playlist 在 bundle 内的相对路径，
// missing 中的资源连同其分片描述 tag 一起被移除。
func render(pl *playlist, self string, assigned map[string]string, missing map[string]bool) string {
	out := make([]string, 0, len(pl.entries)+1)
	tags := make([]string, 0, len(pl.entries)+1)
	emit := func(text, tag string) {
		out = append(out, text)
		tags = append(tags, tag)
	}

	for _, e := range pl.entries {
		if e.kind == refNone {
			emit(e.text, e.tag)
			continue
		}

		if e.droppable && missing[e.target] {
			if e.reference {
				for len(tags) > 0 {
					if _, ok := segmentBlockTags[tags[len(tags)-1]]; !ok {
						break
					}
					out = out[:len(out)-1]
					tags = tags[:len(tags)-1]
				}
			}
			continue
		}

		rel := relativePath(self, assigned[e.target])
		if e.reference {
			emit(rel, "")
			continue
		}
		emit(e.text[:e.uriStart]+rel+e.text[e.uriEnd:], e.tag)
	}

	if pl.closeOut {
		emit(tagEndList, tagEndList)
	}
	return strings.Join(out, "\n") + "\n"
}

// resolve 将引用解析为绝对 URL；仅 http/https 视为可获取。
func resolve(base *url.URL, ref string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(parsed)
	switch strings.ToLower(abs.Scheme) {
	case "http", "https":
		return abs.String(), true
	default:
		return "", false
	}
}

// relativePath 计算 bundle 内 from 所在目录到 to 的相对路径（均为 / 分隔）。
func relativePath(from, to string) string {
	rel, err := filepath.Rel(filepath.FromSlash(path.Dir(from)), filepath.FromSlash(to))
	if err != nil {
		return to
	}
	return filepath.ToSlash(rel)
}

func tagName(line string) string {
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		return line[:idx]
	}
	return line
}

func splitLines(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
