package proxy

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	originTimeout = 30 * time.Second

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
)

// tlsVersions is the downgrade ladder tried in order until a connect
// succeeds.
var tlsVersions = []uint16{tls.VersionTLS13, tls.VersionTLS12, tls.VersionTLS11, tls.VersionTLS10}

// OriginClient fetches video data from remote origins. Certificate
// verification follows platform trust unless insecureSkipVerify is set.
type OriginClient struct {
	insecureSkipVerify bool
}

type OriginResponse struct {
	Body          io.ReadCloser
	StatusCode    int
	Status        string
	ContentType   string
	ContentLength int64
	ContentRange  string
}

func NewOriginClient(insecureSkipVerify bool) *OriginClient {
	return &OriginClient{insecureSkipVerify: insecureSkipVerify}
}

func (c *OriginClient) client(tlsVersion uint16) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: originTimeout,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				MinVersion:         tlsVersion,
				MaxVersion:         tlsVersion,
				InsecureSkipVerify: c.insecureSkipVerify, //nolint:gosec
			},
			TLSHandshakeTimeout:   originTimeout,
			ResponseHeaderTimeout: originTimeout,
		},
	}
}

func (c *OriginClient) request(rawurl, rangeHeader string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Connection", "keep-alive")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return req, nil
}

// Fetch opens the origin URL, walking down the TLS version ladder
// until a connection is established.
func (c *OriginClient) Fetch(rawurl, rangeHeader string) (*OriginResponse, error) {
	var lastErr error

	for _, v := range tlsVersions {
		req, err := c.request(rawurl, rangeHeader)
		if err != nil {
			return nil, err
		}
		logger.Debugw("connecting to origin", "url", rawurl, "tls", v, "range", rangeHeader)

		res, err := c.client(v).Do(req)
		if err != nil {
			logger.Warnw("origin connect failed", "url", rawurl, "tls", v, "err", err)
			lastErr = err
			continue
		}
		return &OriginResponse{
			Body:          res.Body,
			StatusCode:    res.StatusCode,
			Status:        statusText(res),
			ContentType:   res.Header.Get("Content-Type"),
			ContentLength: contentLength(res),
			ContentRange:  res.Header.Get("Content-Range"),
		}, nil
	}
	return nil, errors.Wrap(ErrUpstreamConnect, lastErr.Error())
}

func (r *OriginResponse) Close() {
	if r.Body != nil {
		r.Body.Close()
	}
}

func statusText(res *http.Response) string {
	// res.Status is "200 OK", the code prefix is stripped for reuse in
	// hand-built status lines.
	if len(res.Status) > 4 {
		return res.Status[4:]
	}
	return http.StatusText(res.StatusCode)
}

func contentLength(res *http.Response) int64 {
	if res.ContentLength > 0 {
		return res.ContentLength
	}
	return -1
}
