package hls

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/pkg/errors"
)

const (
	LocalPlaylistName = "index.m3u8"

	defaultSegmentDuration = 10.0
)

// Segment is a single media segment of a parsed playlist.
type Segment struct {
	URL      string
	Filename string
	Duration float64
}

// Playlist is the flattened media playlist the prefetcher works from.
// For master playlists the highest-bandwidth variant is selected and
// BaseURL points at that variant's directory.
type Playlist struct {
	BaseURL       string
	Segments      []*Segment
	TotalDuration float64
}

type playlistFetcher func(url string) ([]byte, error)

func baseURLOf(url string) string {
	if i := strings.LastIndex(url, "/"); i > 0 {
		return url[:i+1]
	}
	return url
}

func absoluteURL(base, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	return base + ref
}

func segmentFilename(uri string) string {
	return uri[strings.LastIndex(uri, "/")+1:]
}

// segmentIndex derives an ordering index from a segment filename:
// digits between the last underscore and the last dot, or any digits
// found, or a large sentinel so unparseable names sort last.
func segmentIndex(filename string) int {
	dot := strings.LastIndex(filename, ".")
	if dot < 0 {
		dot = len(filename)
	}
	if u := strings.LastIndex(filename[:dot], "_"); u >= 0 {
		if n, ok := atoi(filename[u+1 : dot]); ok {
			return n
		}
	}
	var digits strings.Builder
	for _, r := range filename {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if n, ok := atoi(digits.String()); ok {
		return n
	}
	return 999999
}

func atoi(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// ParsePlaylist decodes master or media playlists. Master playlists
// are resolved to the variant with the highest bandwidth via fetch.
func ParsePlaylist(content []byte, baseURL string, fetch playlistFetcher) (*Playlist, error) {
	pl, kind, err := m3u8.DecodeFrom(bytes.NewReader(content), true)
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode playlist")
	}

	if kind == m3u8.MASTER {
		master := pl.(*m3u8.MasterPlaylist)
		var best *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			if best == nil || v.Bandwidth > best.Bandwidth {
				best = v
			}
		}
		if best == nil {
			return nil, errors.New("no variants found in master playlist")
		}
		subURL := absoluteURL(baseURL, best.URI)
		logger.Debugw("selected master playlist variant", "bandwidth", best.Bandwidth, "url", subURL)
		subContent, err := fetch(subURL)
		if err != nil {
			return nil, errors.Wrap(err, "cannot download variant playlist")
		}
		return ParsePlaylist(subContent, baseURLOf(subURL), fetch)
	}

	media := pl.(*m3u8.MediaPlaylist)
	p := &Playlist{BaseURL: baseURL}
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		if !strings.HasSuffix(seg.URI, ".ts") {
			continue
		}
		duration := seg.Duration
		if duration <= 0 {
			duration = defaultSegmentDuration
		}
		p.Segments = append(p.Segments, &Segment{
			URL:      absoluteURL(baseURL, seg.URI),
			Filename: segmentFilename(seg.URI),
			Duration: duration,
		})
		p.TotalDuration += duration
	}
	return p, nil
}

func playlistHeader(b *strings.Builder, maxDuration float64) {
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(b, "#EXT-X-TARGETDURATION:%v\n", int(math.Ceil(maxDuration)))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-ALLOW-CACHE:YES\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
}

// renderPartial lists every segment in playlist order, downloaded or
// not, so the total duration seen by the player never drifts.
func renderPartial(segments []*Segment, duration func(filename string) float64) string {
	var b strings.Builder
	var maxDuration float64
	for _, s := range segments {
		if d := duration(s.Filename); d > maxDuration {
			maxDuration = d
		}
	}
	playlistHeader(&b, maxDuration)
	for _, s := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", duration(s.Filename))
		b.WriteString(s.Filename + "\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// renderFinal lists only downloaded segments, sorted by segment index.
// Returns an error naming segments that never made it to disk.
func renderFinal(segments []*Segment, duration func(filename string) float64, onDisk func(filename string) bool) (string, error) {
	var missing []string
	var have []string
	for _, s := range segments {
		if !onDisk(s.Filename) {
			missing = append(missing, s.Filename)
			continue
		}
		have = append(have, s.Filename)
	}
	if len(missing) > 0 {
		return "", errors.Errorf("segments not accessible: %v", strings.Join(missing, ", "))
	}
	sort.Slice(have, func(i, j int) bool {
		a, b := segmentIndex(have[i]), segmentIndex(have[j])
		if a != b {
			return a < b
		}
		return have[i] < have[j]
	})

	var b strings.Builder
	var maxDuration float64
	for _, name := range have {
		if d := duration(name); d > maxDuration {
			maxDuration = d
		}
	}
	playlistHeader(&b, maxDuration)
	for _, name := range have {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", duration(name))
		b.WriteString(name + "\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String(), nil
}
