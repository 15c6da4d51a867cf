package proxy

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/OdyseeTeam/streamproxy/filecache"
	"github.com/OdyseeTeam/streamproxy/internal/metrics"
	"github.com/OdyseeTeam/streamproxy/pkg/timer"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	mimeTypeMP4  = "video/mp4"
	mimeTypeWebM = "video/webm"

	maxClientRetries = 3
)

// requestHandler serves a single accepted connection.
type requestHandler struct {
	server *Server
	conn   net.Conn
	ref    string
	lines  []string
}

func (h *requestHandler) serve() {
	ll := logger.With("ref", h.ref[:8])

	lines, err := readRequest(bufio.NewReader(h.conn))
	if err != nil {
		ll.Debugw("dropping connection", "err", err)
		return
	}
	h.lines = lines

	target, err := parseTarget(lines[0])
	if err != nil {
		ll.Debugw("dropping connection", "request_line", lines[0], "err", err)
		return
	}
	ll = ll.With("url", target)

	cache, err := h.server.registry.GetFileCache(target)
	if err != nil {
		ll.Errorw("cannot obtain file cache", "err", err)
		writeInternalError(bufio.NewWriter(h.conn), err)
		return
	}

	if cache.Exists() && cache.Length() > 0 {
		ll.Debugw("serving from cache", "length", cache.Length())
		metrics.ProxyRequestsCount.WithLabelValues(metrics.SourceCache).Inc()
		h.serveCached(cache, ll)
	} else {
		ll.Debugw("fetching from origin")
		metrics.ProxyRequestsCount.WithLabelValues(metrics.SourceOrigin).Inc()
		h.serveAndCache(target, cache, ll)
	}
}

// contentTypeFor resolves the response content type, server-provided
// type winning over the URL extension. Unknowns default to MP4.
func contentTypeFor(url, serverContentType string) string {
	if serverContentType != "" {
		if strings.Contains(serverContentType, "webm") {
			return mimeTypeWebM
		}
		if strings.Contains(serverContentType, "mp4") {
			return mimeTypeMP4
		}
		return serverContentType
	}
	switch urlExtension(url) {
	case "webm":
		return mimeTypeWebM
	case "mp4":
		return mimeTypeMP4
	}
	return mimeTypeMP4
}

func urlExtension(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if i := strings.LastIndex(url, "."); i >= 0 {
		ext := url[i+1:]
		if !strings.Contains(ext, "/") {
			return ext
		}
	}
	return ""
}

func (h *requestHandler) serveCached(cache *filecache.FileCache, ll *zap.SugaredLogger) {
	w := bufio.NewWriter(h.conn)
	total := cache.Length()

	start, end := int64(0), total-1
	if rangeHeader := requestHeader(h.lines, "Range"); rangeHeader != "" {
		start, end = parseRange(rangeHeader, total)
	}
	contentType := contentTypeFor(cache.URL(), "")

	if start >= total {
		if contentType == mimeTypeWebM {
			ll.Warnw("webm range out of bounds, returning full file", "start", start, "total", total)
			start, end = 0, total-1
		} else {
			ll.Warnw("requested range not satisfiable", "start", start, "total", total)
			writeRangeNotSatisfiable(w, total)
			return
		}
	}
	if start < 0 {
		start = 0
	}
	if end > total-1 {
		end = total - 1
	}
	if end < start {
		end = start
	}

	contentLength := end - start + 1
	contentRange := fmt.Sprintf("bytes %d-%d/%d", start, end, total)
	if err := writePartialHeaders(w, contentLength, contentType, contentRange); err != nil {
		ll.Debugw("client write failed", "err", err)
		return
	}

	position := start
	remaining := contentLength
	retries := 0
	var sent int64

	for remaining > 0 {
		n := int64(h.server.copyBufferSize)
		if remaining < n {
			n = remaining
		}
		data, err := cache.Read(position, int(n))
		if err != nil || len(data) == 0 {
			ll.Warnw("no data read from cache", "position", position, "err", err)
			break
		}
		if err := writeClient(w, data); err != nil {
			retries++
			if retries > maxClientRetries {
				ll.Warnw("client lost while sending cached response", "err", err)
				break
			}
			ll.Debugw("retrying send", "attempt", retries+1)
			time.Sleep(100 * time.Millisecond)
			w = bufio.NewWriter(h.conn)
			continue
		}
		retries = 0
		position += int64(len(data))
		remaining -= int64(len(data))
		sent += int64(len(data))
	}

	metrics.ProxyBytesSent.WithLabelValues(metrics.SourceCache).Add(float64(sent))
	ll.Debugw("cached response sent", "bytes", sent, "of", contentLength)
}

func (h *requestHandler) serveAndCache(target string, cache *filecache.FileCache, ll *zap.SugaredLogger) {
	w := bufio.NewWriter(h.conn)

	contentType := contentTypeFor(target, "")
	isWebM := contentType == mimeTypeWebM

	rangeHeader := requestHeader(h.lines, "Range")
	forwardRange := rangeHeader
	if isWebM {
		// WebM is always fetched in full, range requests are answered
		// from the cached copy.
		forwardRange = ""
	}

	res, err := h.server.origin.Fetch(target, forwardRange)
	if err != nil {
		ll.Errorw("origin connection failed", "err", err)
		metrics.ProxyErrorsCount.WithLabelValues("upstream_connect").Inc()
		writeInternalError(w, err)
		h.notifyError(target, 0, err)
		return
	}
	defer res.Close()

	ll.Debugw("origin response", "status", res.StatusCode, "content_type", res.ContentType, "content_length", res.ContentLength)

	if res.StatusCode >= 400 {
		body, _ := ioutil.ReadAll(io.LimitReader(res.Body, 4096))
		if len(body) > 0 {
			ll.Errorw("origin error response", "status", res.StatusCode, "body", string(body))
		}
		metrics.ProxyErrorsCount.WithLabelValues("upstream_status").Inc()
		writeStatusLine(w, res.StatusCode, res.Status)
		return
	}

	contentType = contentTypeFor(target, res.ContentType)
	contentLength := res.ContentLength

	if isWebM && cache.Exists() && cache.Length() != contentLength {
		ll.Warnw("incomplete webm cache found, deleting", "cached", cache.Length(), "expected", contentLength)
		if err := cache.Remove(); err != nil {
			ll.Errorw("cannot remove stale cache file", "err", err)
		}
	}

	var position int64
	if !isWebM && rangeHeader != "" && res.StatusCode == http.StatusPartialContent {
		position = parseRangeStart(rangeHeader)
		contentRange := res.ContentRange
		if contentRange == "" {
			contentRange = fmt.Sprintf("bytes %d-%d/%d", position, contentLength-1, contentLength)
		}
		err = writePartialHeaders(w, contentLength-position, contentType, contentRange)
	} else {
		err = writeHeaders(w, contentLength, contentType)
	}
	if err != nil {
		ll.Debugw("client write failed", "err", err)
		return
	}

	totalRead, err := h.tee(res, cache, w, target, position, contentLength, isWebM, ll)
	if err != nil {
		metrics.ProxyErrorsCount.WithLabelValues("stream").Inc()
		h.notifyError(target, progressPercent(totalRead, contentLength, h.server.copyBufferSize), err)
		writeInternalError(w, err)
		return
	}

	if isWebM && cache.Exists() && cache.Length() != contentLength {
		ll.Errorw("webm file incomplete", "cached", cache.Length(), "expected", contentLength)
		if err := cache.Remove(); err != nil {
			ll.Errorw("cannot remove incomplete cache file", "err", err)
		}
		metrics.ProxyErrorsCount.WithLabelValues("incomplete").Inc()
		h.notifyError(target, progressPercent(totalRead, contentLength, h.server.copyBufferSize), ErrIncompleteDownload)
		writeInternalError(w, ErrIncompleteDownload)
		return
	}

	if contentLength > 0 && totalRead >= contentLength {
		if h.server.cacheListener != nil {
			h.server.cacheListener.OnCacheAvailable(target, cache.CacheFile())
		}
	}
}

// tee copies origin bytes into the cache and the client socket at once.
// A rolling buffer of the most recent bytes backs client resends. When
// the client is lost past all retries, WebM downloads keep caching;
// other formats abort.
func (h *requestHandler) tee(
	res *OriginResponse, cache *filecache.FileCache, w *bufio.Writer,
	target string, position, contentLength int64, isWebM bool, ll *zap.SugaredLogger,
) (int64, error) {
	var (
		totalRead    int64
		lastProgress time.Time
		clientGone   bool
	)
	buf := make([]byte, h.server.copyBufferSize)
	retryBuf := make([]byte, h.server.retryBufferSize)
	retryBufSize := 0
	retryCount := 0
	t := timer.Start()

	for {
		read, rerr := res.Body.Read(buf)
		if read > 0 {
			if err := cache.Write(buf[:read], position); err != nil {
				return totalRead, err
			}
			metrics.ProxyBytesCached.Add(float64(read))
			updateRetryBuffer(retryBuf, &retryBufSize, buf[:read])

			if !clientGone {
				if werr := writeClient(w, buf[:read]); werr != nil {
					recovered := false
					if retryCount < maxClientRetries {
						retryCount++
						ll.Warnw("client connection error, retrying", "attempt", retryCount, "err", werr)
						time.Sleep(time.Duration(retryCount) * time.Second)
						w = bufio.NewWriter(h.conn)
						if retryBufSize > 0 {
							if resendErr := writeClient(w, retryBuf[:retryBufSize]); resendErr == nil {
								ll.Debugw("resent retry buffer", "bytes", retryBufSize)
								recovered = true
							}
						} else {
							recovered = true
						}
					}
					if !recovered {
						if !isWebM {
							return totalRead, errors.Wrap(ErrClientDisconnect, werr.Error())
						}
						ll.Warnw("client disconnected, continuing to cache webm file")
						clientGone = true
					}
				} else {
					retryCount = 0
					metrics.ProxyBytesSent.WithLabelValues(metrics.SourceOrigin).Add(float64(read))
				}
			}

			position += int64(read)
			totalRead += int64(read)

			if time.Since(lastProgress) >= time.Second {
				h.updateProgress(target, totalRead, contentLength, t, ll)
				lastProgress = time.Now()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return totalRead, errors.Wrap(rerr, "origin read failed")
		}
	}

	h.updateProgress(target, totalRead, contentLength, t, ll)
	return totalRead, nil
}

func (h *requestHandler) updateProgress(url string, totalRead, contentLength int64, t *timer.Timer, ll *zap.SugaredLogger) {
	percent := progressPercent(totalRead, contentLength, h.server.copyBufferSize)
	speed := float64(totalRead) / t.Duration() / 1024
	ll.Debugf("progress: %v%% (%v/%v bytes), speed: %.1f KB/s", percent, totalRead, contentLength, speed)
	if h.server.cacheListener != nil {
		h.server.cacheListener.OnCacheProgress(url, percent)
	}
}

func progressPercent(totalRead, contentLength int64, bufferSize int) int {
	if contentLength > 0 {
		return int(totalRead * 100 / contentLength)
	}
	return int(totalRead / int64(bufferSize))
}

func (h *requestHandler) notifyError(url string, percent int, err error) {
	if h.server.cacheListener != nil {
		h.server.cacheListener.OnCacheError(url, percent, err)
	}
}

func writeClient(w *bufio.Writer, data []byte) error {
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

// updateRetryBuffer keeps the tail of the stream in ring, shifting old
// bytes out when full.
func updateRetryBuffer(ring []byte, size *int, data []byte) {
	if len(data) >= len(ring) {
		copy(ring, data[len(data)-len(ring):])
		*size = len(ring)
		return
	}
	if *size+len(data) <= len(ring) {
		copy(ring[*size:], data)
		*size += len(data)
		return
	}
	keep := len(ring) - len(data)
	copy(ring, ring[*size-keep:*size])
	copy(ring[keep:], data)
	*size = len(ring)
}
