package hls

import (
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path"
	"sync"
	"time"

	"github.com/OdyseeTeam/streamproxy/internal/metrics"
	"github.com/OdyseeTeam/streamproxy/pkg/dispatcher"
	"github.com/OdyseeTeam/streamproxy/pkg/timer"

	"github.com/karlseguin/ccache/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	MinimumSegmentsForPlayback = 3
	BufferSegmentsAhead        = 8

	maxConsecutiveFailures = 3
	maxTotalFailures       = 10
	maxRetryCount          = 3
	retryDelay             = time.Second
	poolWorkers            = 5
	priorityStagger        = 50 * time.Millisecond

	segmentTimeout    = 15 * time.Second
	validationTimeout = 5 * time.Second
	validationTTL     = time.Minute

	workingDirName = "m3u8"
)

// Listener receives prefetch lifecycle callbacks.
type Listener interface {
	OnProgress(completed, total, failed int)
	OnError(err error)
	OnComplete(success bool, localPath string)
	OnReadyForPlayback(localPath string)
}

// M3U8Cache prefetches one HLS stream into a local working dir,
// keeping index.m3u8 rewritten as segments land.
type M3U8Cache struct {
	cacheDir string
	client   *http.Client
	head     *http.Client
	pool     *dispatcher.Dispatcher

	// validations memoizes segment-URL HEAD probes so retries do not
	// hammer origin and fallback hosts.
	validations *ccache.Cache

	mu               sync.Mutex
	baseURL          string
	tsURLs           []string
	durations        map[string]float64
	fallbackBaseURLs []string
	totalDuration    float64

	completed           *atomic.Int32
	failed              *atomic.Int32
	consecutiveFailures *atomic.Int32
	canceled            *atomic.Bool
	downloading         *atomic.Bool
	readyNotified       *atomic.Bool
	currentPlaying      *atomic.Int32

	plMu     sync.Mutex
	listener Listener
}

type segmentTask struct {
	cache    *M3U8Cache
	index    int
	priority int
	url      string
}

type segmentWorkload struct{}

func (segmentWorkload) Do(t dispatcher.Task) error {
	st, ok := t.Payload.(*segmentTask)
	if !ok {
		return dispatcher.ErrInvalidPayload
	}
	st.cache.downloadSegment(st)
	return nil
}

func New(url, cacheDir string) (*M3U8Cache, error) {
	dir := path.Join(cacheDir, workingDirName)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "cannot create m3u8 cache dir")
	}
	if err := writeEmptyTS(dir); err != nil {
		logger.Warnw("cannot write placeholder segment", "err", err)
	}
	c := &M3U8Cache{
		cacheDir:  dir,
		baseURL:   baseURLOf(url),
		client:    &http.Client{Timeout: segmentTimeout},
		head:      &http.Client{Timeout: validationTimeout},
		pool:      dispatcher.Start(poolWorkers, segmentWorkload{}),
		durations: map[string]float64{},

		completed:           atomic.NewInt32(0),
		failed:              atomic.NewInt32(0),
		consecutiveFailures: atomic.NewInt32(0),
		canceled:            atomic.NewBool(false),
		downloading:         atomic.NewBool(false),
		readyNotified:       atomic.NewBool(false),
		currentPlaying:      atomic.NewInt32(0),
	}
	c.validations = ccache.New(ccache.Configure().MaxSize(10000))
	return c, nil
}

func (c *M3U8Cache) SetListener(l Listener) {
	c.listener = l
}

// Cache downloads and parses the playlist, then schedules prioritized
// segment downloads. It returns once the downloads are underway;
// completion is signalled through the listener.
func (c *M3U8Cache) Cache(m3u8URL string) error {
	c.downloading.Store(true)
	logger.Infow("starting to cache stream", "url", m3u8URL)

	content, err := c.downloadM3U8(m3u8URL)
	if err != nil {
		c.downloading.Store(false)
		err = errors.Wrap(err, "failed to download playlist")
		c.emitError(err)
		return err
	}

	pl, err := ParsePlaylist(content, baseURLOf(m3u8URL), c.downloadM3U8)
	if err != nil {
		c.downloading.Store(false)
		c.emitError(err)
		return err
	}
	if len(pl.Segments) == 0 {
		c.downloading.Store(false)
		err := errors.New("no segments found in playlist")
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	c.baseURL = pl.BaseURL
	c.tsURLs = nil
	for _, s := range pl.Segments {
		c.tsURLs = append(c.tsURLs, s.URL)
		c.durations[s.Filename] = s.Duration
	}
	c.totalDuration = pl.TotalDuration
	segments := pl.Segments
	c.mu.Unlock()

	logger.Infow("playlist parsed", "segments", len(segments), "total_duration", pl.TotalDuration)

	// Probe the first segment before committing to a download run;
	// promotes a working fallback host when the primary is dead.
	first := segments[0]
	working := c.findWorkingTsURL(first.Filename, first.URL)
	if working == "" {
		c.downloading.Store(false)
		err := errors.New("unable to access stream segments, check the network connection or the video address")
		c.emitError(err)
		return err
	}
	if working != first.URL {
		c.AddFallbackBaseURL(baseURLOf(working))
	}

	c.queueSegmentDownloads(segments)
	go c.monitor()
	return nil
}

func (c *M3U8Cache) downloadM3U8(url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected playlist response code: %v", res.StatusCode)
	}
	return ioutil.ReadAll(res.Body)
}

func (c *M3U8Cache) queueSegmentDownloads(segments []*Segment) {
	current := int(c.currentPlaying.Load())
	for i, s := range segments {
		if c.canceled.Load() {
			return
		}
		working := c.findWorkingTsURL(s.Filename, s.URL)
		if working == "" {
			logger.Errorw("no working URL for segment", "segment", s.Filename)
			c.failed.Inc()
			metrics.SegmentsFailed.Inc()
			c.updateProgress()
			continue
		}
		p := priorityFor(i, current)
		c.pool.Dispatch(&segmentTask{cache: c, index: i, priority: p, url: working}, p, i)
		if p == 1 {
			// Bias the pool towards picking up playback-critical
			// segments in order.
			time.Sleep(priorityStagger)
		}
	}
}

// priorityFor maps a segment index onto the two-level priority policy:
// playback-critical segments first, the look-ahead window second,
// everything else last.
func priorityFor(index, current int) int {
	if index < MinimumSegmentsForPlayback {
		return 1
	}
	if index >= current && index <= current+BufferSegmentsAhead {
		return 1
	}
	if index > current && index <= current+2*BufferSegmentsAhead {
		return 2
	}
	return 3
}

func (c *M3U8Cache) monitor() {
	for c.downloading.Load() && !c.canceled.Load() {
		completed := int(c.completed.Load())
		failed := int(c.failed.Load())
		total := c.TotalSegments()

		if completed+failed == total {
			logger.Infow("stream caching finished", "total", total, "completed", completed, "failed", failed)
			c.downloading.Store(false)
			if completed > 0 {
				if err := c.saveLocalM3U8Final(); err != nil {
					c.emitError(err)
				}
				if c.listener != nil {
					c.listener.OnComplete(true, c.LocalPlaylistPath())
				}
			} else if c.listener != nil {
				c.listener.OnComplete(false, "")
			}
			return
		}
		time.Sleep(time.Second)
	}
}

func (c *M3U8Cache) downloadSegment(t *segmentTask) {
	if c.canceled.Load() {
		return
	}
	filename := segmentFilename(t.url)

	if t.priority > 1 {
		// Far-ahead segments yield briefly so near-playhead fetches
		// win the race for origin bandwidth.
		delay := time.Duration(t.index) * 10 * time.Millisecond
		if delay > time.Second {
			delay = time.Second
		}
		time.Sleep(delay)
	}

	target := path.Join(c.cacheDir, filename)
	if s, err := os.Stat(target); err == nil && s.Size() > 0 {
		logger.Debugw("segment already cached", "segment", filename)
		c.completed.Inc()
		c.consecutiveFailures.Store(0)
		c.afterSegment(filename)
		return
	}

	tsURL := t.url
	tmp := target + ".tmp"
	for attempt := 0; attempt < maxRetryCount && !c.canceled.Load(); attempt++ {
		if attempt > 0 {
			logger.Debugw("retrying segment download", "segment", filename, "attempt", attempt+1)
			time.Sleep(retryDelay)
			if working := c.findWorkingTsURL(filename, tsURL); working != "" && working != tsURL {
				logger.Debugw("switching to alternative segment URL", "segment", filename, "url", working)
				tsURL = working
			}
		}

		tm := timer.Start()
		switch c.fetchSegment(tsURL, tmp, target, filename, attempt) {
		case fetchOK:
			metrics.SegmentsDownloaded.Inc()
			metrics.SegmentDownloadSeconds.Observe(tm.Duration())
			c.completed.Inc()
			c.consecutiveFailures.Store(0)
			c.afterSegment(filename)
			return
		case fetchFailed, fetchCanceled:
			// already accounted, or the whole run is being torn down
			return
		case fetchRetry:
		}
	}

	if _, err := os.Stat(tmp); err == nil {
		os.Remove(tmp)
	}
	c.failed.Inc()
	metrics.SegmentsFailed.Inc()
	c.updateProgress()
}

type fetchResult int

const (
	fetchOK fetchResult = iota
	fetchRetry
	fetchFailed
	fetchCanceled
)

// fetchSegment attempts one download into tmp and promotes it to
// target on success.
func (c *M3U8Cache) fetchSegment(tsURL, tmp, target, filename string, attempt int) fetchResult {
	req, err := http.NewRequest(http.MethodGet, tsURL, nil)
	if err != nil {
		logger.Errorw("cannot build segment request", "segment", filename, "err", err)
		return fetchRetry
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	res, err := c.client.Do(req)
	if err != nil {
		logger.Errorw("segment download failed", "segment", filename, "err", err)
		return fetchRetry
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		logger.Errorw("segment download rejected", "segment", filename, "status", res.StatusCode)
		if attempt == maxRetryCount-1 {
			c.failSegment(filename)
			return fetchFailed
		}
		return fetchRetry
	}

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		logger.Errorw("cannot create segment temp file", "segment", filename, "err", err)
		return fetchRetry
	}

	buf := make([]byte, 8192)
	var written int64
	for {
		if c.canceled.Load() {
			out.Close()
			os.Remove(tmp)
			logger.Debugw("segment download canceled", "segment", filename)
			return fetchCanceled
		}
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				os.Remove(tmp)
				logger.Errorw("cannot write segment", "segment", filename, "err", werr)
				return fetchRetry
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			os.Remove(tmp)
			logger.Errorw("segment read failed", "segment", filename, "err", rerr)
			return fetchRetry
		}
	}
	out.Close()

	if written == 0 {
		os.Remove(tmp)
		logger.Errorw("downloaded segment is empty", "segment", filename)
		return fetchRetry
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		logger.Errorw("cannot promote segment temp file", "segment", filename, "err", err)
		return fetchRetry
	}
	logger.Debugw("segment downloaded", "segment", filename, "size", written)
	return fetchOK
}

// failSegment accounts a permanently failed segment and enforces the
// consecutive/total failure gates.
func (c *M3U8Cache) failSegment(filename string) {
	c.failed.Inc()
	metrics.SegmentsFailed.Inc()
	consecutive := c.consecutiveFailures.Inc()

	if consecutive >= maxConsecutiveFailures {
		err := errors.Errorf("continuous %v downloads failed, stop caching", maxConsecutiveFailures)
		logger.Errorw("stopping cache", "err", err)
		c.emitError(err)
		c.Cancel()
		return
	}
	if c.failed.Load() >= maxTotalFailures {
		err := errors.Errorf("total download failures exceeded %v, stop caching", maxTotalFailures)
		logger.Errorw("stopping cache", "err", err)
		c.emitError(err)
		c.Cancel()
		return
	}
	c.updateProgress()
}

func (c *M3U8Cache) afterSegment(filename string) {
	if err := c.saveLocalM3U8Partial(); err != nil {
		logger.Errorw("cannot save partial playlist", "err", err)
	}
	c.updateProgress()

	if int(c.completed.Load()) >= MinimumSegmentsForPlayback && c.readyNotified.CAS(false, true) {
		logger.Infow("ready for playback", "completed", c.completed.Load())
		if c.listener != nil {
			c.listener.OnReadyForPlayback(c.LocalPlaylistPath())
		}
	}
}

func (c *M3U8Cache) updateProgress() {
	if c.listener == nil || c.canceled.Load() {
		return
	}
	c.listener.OnProgress(int(c.completed.Load()), c.TotalSegments(), int(c.failed.Load()))
}

func (c *M3U8Cache) emitError(err error) {
	if c.listener != nil {
		c.listener.OnError(err)
	}
}

// AddFallbackBaseURL registers an alternate host prefix for segment
// retrieval.
func (c *M3U8Cache) AddFallbackBaseURL(url string) {
	if url == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbackBaseURLs = append(c.fallbackBaseURLs, url)
}

// findWorkingTsURL probes the primary URL and every fallback host with
// a HEAD request, returning the first that answers 200.
func (c *M3U8Cache) findWorkingTsURL(segment, primary string) string {
	if primary == "" {
		c.mu.Lock()
		primary = absoluteURL(c.baseURL, segment)
		c.mu.Unlock()
	}
	if c.validateTsURL(primary) {
		return primary
	}
	c.mu.Lock()
	fallbacks := append([]string{}, c.fallbackBaseURLs...)
	c.mu.Unlock()
	for _, base := range fallbacks {
		u := base + segment
		if c.validateTsURL(u) {
			logger.Debugw("found working fallback URL", "url", u)
			return u
		}
	}
	return ""
}

func (c *M3U8Cache) validateTsURL(url string) bool {
	item, err := c.validations.Fetch(url, validationTTL, func() (interface{}, error) {
		req, err := http.NewRequest(http.MethodHead, url, nil)
		if err != nil {
			return false, nil
		}
		res, err := c.head.Do(req)
		if err != nil {
			logger.Debugw("segment validation failed", "url", url, "err", err)
			return false, nil
		}
		res.Body.Close()
		return res.StatusCode == http.StatusOK, nil
	})
	if err != nil {
		return false
	}
	ok, _ := item.Value().(bool)
	return ok
}

func (c *M3U8Cache) segmentDuration(filename string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.durations[filename]; ok {
		return d
	}
	return defaultSegmentDuration
}

func (c *M3U8Cache) segmentOnDisk(filename string) bool {
	s, err := os.Stat(path.Join(c.cacheDir, filename))
	return err == nil && s.Size() > 0
}

func (c *M3U8Cache) segments() []*Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	segs := make([]*Segment, 0, len(c.tsURLs))
	for _, u := range c.tsURLs {
		segs = append(segs, &Segment{URL: u, Filename: segmentFilename(u)})
	}
	return segs
}

// saveLocalM3U8Partial rewrites index.m3u8 with every segment in
// playlist order. Full overwrite, last writer wins.
func (c *M3U8Cache) saveLocalM3U8Partial() error {
	c.plMu.Lock()
	defer c.plMu.Unlock()
	content := renderPartial(c.segments(), c.segmentDuration)
	return os.WriteFile(c.LocalPlaylistPath(), []byte(content), 0644)
}

// saveLocalM3U8Final rewrites index.m3u8 with downloaded segments
// only, failing when any listed segment is missing from disk.
func (c *M3U8Cache) saveLocalM3U8Final() error {
	c.plMu.Lock()
	defer c.plMu.Unlock()
	content, err := renderFinal(c.segments(), c.segmentDuration, c.segmentOnDisk)
	if err != nil {
		return err
	}
	return os.WriteFile(c.LocalPlaylistPath(), []byte(content), 0644)
}

// UpdatePartialM3U8 refreshes the local playlist on demand while a
// download run is active.
func (c *M3U8Cache) UpdatePartialM3U8() {
	if c.downloading.Load() && c.readyNotified.Load() {
		if err := c.saveLocalM3U8Partial(); err != nil {
			logger.Errorw("cannot update partial playlist", "err", err)
		}
	}
}

// EnsureSegmentsCached queues the [start, start+BufferSegmentsAhead]
// window at top priority and the window after it at the next class.
func (c *M3U8Cache) EnsureSegmentsCached(start, end int) {
	total := c.TotalSegments()
	if start < 0 || start > end || end >= total {
		logger.Warnw("invalid segment range", "start", start, "end", end, "total", total)
		return
	}
	end = start + BufferSegmentsAhead
	if end > total-1 {
		end = total - 1
	}
	c.queueWindow(start, end, 1)

	nextStart := end + 1
	nextEnd := nextStart + BufferSegmentsAhead
	if nextEnd > total-1 {
		nextEnd = total - 1
	}
	if nextStart < total {
		c.queueWindow(nextStart, nextEnd, 2)
	}
}

func (c *M3U8Cache) queueWindow(start, end, priority int) {
	c.mu.Lock()
	urls := map[int]string{}
	for i := start; i <= end && i < len(c.tsURLs); i++ {
		u := c.tsURLs[i]
		if !c.segmentOnDisk(segmentFilename(u)) {
			urls[i] = u
		}
	}
	c.mu.Unlock()

	for i, u := range urls {
		c.pool.Dispatch(&segmentTask{cache: c, index: i, priority: priority, url: u}, priority, i)
	}
}

func (c *M3U8Cache) SetCurrentPlayingSegment(index int) {
	c.currentPlaying.Store(int32(index))
}

// Cancel stops the run: no further requests are issued and in-flight
// downloads drop their temp files at the next loop turn.
func (c *M3U8Cache) Cancel() {
	if !c.canceled.CAS(false, true) {
		return
	}
	logger.Infow("canceling stream cache")
	// Workers observe the canceled flag; Stop would deadlock if called
	// from inside a worker, so shut the pool down from the side.
	go c.pool.Stop()
}

func (c *M3U8Cache) IsCompleted() bool {
	if c.downloading.Load() {
		return false
	}
	total := c.TotalSegments()
	return total > 0 && int(c.completed.Load()) == total
}

func (c *M3U8Cache) IsCanceled() bool {
	return c.canceled.Load()
}

func (c *M3U8Cache) Completed() int {
	return int(c.completed.Load())
}

func (c *M3U8Cache) Failed() int {
	return int(c.failed.Load())
}

func (c *M3U8Cache) TotalSegments() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tsURLs)
}

func (c *M3U8Cache) SegmentFileName(index int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.tsURLs) {
		return ""
	}
	return segmentFilename(c.tsURLs[index])
}

// TotalDuration is the duration sum over every segment of the
// playlist, downloaded or not.
func (c *M3U8Cache) TotalDuration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalDuration
}

// DurationUpTo sums segment durations before the given index.
func (c *M3U8Cache) DurationUpTo(index int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for i, u := range c.tsURLs {
		if i >= index {
			break
		}
		d, ok := c.durations[segmentFilename(u)]
		if !ok {
			d = defaultSegmentDuration
		}
		total += d
	}
	return total
}

func (c *M3U8Cache) LocalPlaylistPath() string {
	return path.Join(c.cacheDir, LocalPlaylistName)
}

func (c *M3U8Cache) CacheDir() string {
	return c.cacheDir
}
