package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sanaullah49/vidkit/internal/cache"
	"github.com/Sanaullah49/vidkit/internal/logging"
	"github.com/Sanaullah49/vidkit/internal/version"
)

// IndeterminateProgress 在上游未返回 Content-Length 时上报。
const IndeterminateProgress = 0.5

// maxIntermediateProgress 保证 1.0 只在文件发布后出现。
const maxIntermediateProgress = 0.99

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrStalled 表示媒体正文在 Timeout 内没有读到任何数据，按传输错误重试。
var ErrStalled = errors.New("upstream body stalled")

// ProgressFunc 接收 [0,1] 区间的进度。
type ProgressFunc func(float64)

// Fetcher 负责带重试的 GET：下载单个资源到磁盘，或读取 playlist 文本。
type Fetcher struct {
	client *http.Client
	policy RetryPolicy
	logger *logrus.Logger
}

// New 构建 Fetcher；client 为空时使用默认 http.Client。
func New(client *http.Client, policy RetryPolicy, logger *logrus.Logger) *Fetcher {
	if client == nil {
		client = NewUpstreamClient(nil)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Fetcher{client: client, policy: policy, logger: logger}
}

// FetchText 读取 playlist 正文。UTF-8 BOM 会被去除。
func (f *Fetcher) FetchText(ctx context.Context, rawURL string, headers http.Header) (string, error) {
	var body []byte
	err := retry(ctx, f.policy, f.logger, rawURL, func() error {
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if f.policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, f.policy.Timeout)
		}
		defer cancel()

		err := f.readText(attemptCtx, rawURL, headers, &body)
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return &TransportError{URL: rawURL, Err: fmt.Errorf("playlist not received within %s", f.policy.Timeout)}
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return string(bytes.TrimPrefix(body, utf8BOM)), nil
}

func (f *Fetcher) readText(ctx context.Context, rawURL string, headers http.Header, body *[]byte) error {
	resp, err := f.do(ctx, rawURL, headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.readFailure(ctx, rawURL, err)
	}
	*body = data
	return nil
}

// Download 将 rawURL 写入 target+".tmp"，完成后原子替换 target 并上报 1.0。
// 失败时删除临时文件；调用方负责在调用前检查 target 是否已缓存。
func (f *Fetcher) Download(ctx context.Context, rawURL string, headers http.Header, target string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(float64) {}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	tempPath := target + cache.TempSuffix
	err := retry(ctx, f.policy, f.logger, rawURL, func() error {
		attemptCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		resp, err := f.do(attemptCtx, rawURL, headers)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		stall := watchStall(f.policy.Timeout, cancel)
		defer stall.stop()
		err = f.writeBody(attemptCtx, rawURL, resp, tempPath, onProgress, stall.reset)
		if err != nil && ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), ErrStalled) {
			return &TransportError{URL: rawURL, Err: ErrStalled}
		}
		return err
	})
	if err == nil {
		err = cache.ReplaceFile(tempPath, target)
	}
	if err != nil {
		_ = os.Remove(tempPath)
		return err
	}

	onProgress(1)
	return nil
}

// do 发起一次 GET。返回的错误已按是否可重试分类：不可重试的错误以 backoff.Permanent 包装。
func (f *Fetcher) do(ctx context.Context, rawURL string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(&TransportError{URL: rawURL, Err: err})
	}
	CopyHeaders(req.Header, headers)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, backoff.Permanent(ctxErr)
		}
		return nil, &TransportError{URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		te := &TransportError{URL: rawURL, StatusCode: resp.StatusCode}
		if IsRetryableStatus(resp.StatusCode) {
			return nil, te
		}
		return nil, backoff.Permanent(te)
	}
	return resp, nil
}

func (f *Fetcher) readFailure(ctx context.Context, rawURL string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return backoff.Permanent(ctxErr)
	}
	return &TransportError{URL: rawURL, Err: err}
}

// writeBody 流式写入临时文件。读错误可重试，写错误属于文件系统错误，不重试。
func (f *Fetcher) writeBody(ctx context.Context, rawURL string, resp *http.Response, tempPath string, onProgress ProgressFunc, onRead func()) error {
	file, err := os.Create(tempPath)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create temp file: %w", err))
	}

	total := resp.ContentLength
	report := func(received int64) {
		onRead()
		if total <= 0 {
			onProgress(IndeterminateProgress)
			return
		}
		fraction := float64(received) / float64(total)
		if fraction > maxIntermediateProgress {
			fraction = maxIntermediateProgress
		}
		onProgress(fraction)
	}

	readErr, writeErr := copyWithProgress(ctx, file, resp.Body, report)
	closeErr := file.Close()
	switch {
	case writeErr != nil:
		return backoff.Permanent(fmt.Errorf("write temp file: %w", writeErr))
	case readErr != nil:
		return f.readFailure(ctx, rawURL, readErr)
	case closeErr != nil:
		return backoff.Permanent(fmt.Errorf("close temp file: %w", closeErr))
	}
	return nil
}

// copyWithProgress 分别返回读错误与写错误，便于调用方区分网络与磁盘故障。
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, report func(int64)) (readErr, writeErr error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err, nil
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return nil, wErr
			}
			if w < n {
				return nil, io.ErrShortWrite
			}
			report(copied)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return err, nil
		}
	}
}

// stallTimer 在正文停顿超过 d 时取消当前尝试；每次成功读取后重置。
type stallTimer struct {
	timer *time.Timer
	d     time.Duration
}

func watchStall(d time.Duration, cancel context.CancelCauseFunc) *stallTimer {
	if d <= 0 {
		return &stallTimer{}
	}
	return &stallTimer{
		timer: time.AfterFunc(d, func() { cancel(ErrStalled) }),
		d:     d,
	}
}

func (s *stallTimer) reset() {
	if s.timer != nil {
		s.timer.Reset(s.d)
	}
}

func (s *stallTimer) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
