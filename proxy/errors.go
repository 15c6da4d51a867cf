package proxy

import "github.com/pkg/errors"

var (
	ErrRequestEmpty       = errors.New("empty request")
	ErrRequestMalformed   = errors.New("malformed request line")
	ErrUpstreamConnect    = errors.New("failed to establish origin connection after trying all TLS versions")
	ErrIncompleteDownload = errors.New("webm download incomplete")
	ErrClientDisconnect   = errors.New("client disconnected")
)
