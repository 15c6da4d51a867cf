package proxy

import (
	"bufio"
	"fmt"
)

func writeHeaders(w *bufio.Writer, contentLength int64, contentType string) error {
	fmt.Fprintf(w, "HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(w, "Content-Type: %v\r\n", contentType)
	fmt.Fprintf(w, "Content-Length: %v\r\n", contentLength)
	fmt.Fprintf(w, "Connection: keep-alive\r\n")
	fmt.Fprintf(w, "Accept-Ranges: bytes\r\n")
	fmt.Fprintf(w, "Access-Control-Allow-Origin: *\r\n")
	fmt.Fprintf(w, "Cache-Control: no-cache\r\n")
	fmt.Fprintf(w, "\r\n")
	return w.Flush()
}

func writePartialHeaders(w *bufio.Writer, contentLength int64, contentType, contentRange string) error {
	fmt.Fprintf(w, "HTTP/1.1 206 Partial Content\r\n")
	fmt.Fprintf(w, "Content-Type: %v\r\n", contentType)
	fmt.Fprintf(w, "Content-Length: %v\r\n", contentLength)
	if contentRange != "" {
		fmt.Fprintf(w, "Content-Range: %v\r\n", contentRange)
	}
	fmt.Fprintf(w, "Connection: keep-alive\r\n")
	fmt.Fprintf(w, "Accept-Ranges: bytes\r\n")
	fmt.Fprintf(w, "Access-Control-Allow-Origin: *\r\n")
	fmt.Fprintf(w, "Cache-Control: no-cache\r\n")
	fmt.Fprintf(w, "\r\n")
	return w.Flush()
}

func writeRangeNotSatisfiable(w *bufio.Writer, total int64) error {
	fmt.Fprintf(w, "HTTP/1.1 416 Requested Range Not Satisfiable\r\n")
	fmt.Fprintf(w, "Content-Range: bytes */%v\r\n", total)
	fmt.Fprintf(w, "Content-Length: 0\r\n\r\n")
	return w.Flush()
}

func writeStatusLine(w *bufio.Writer, code int, message string) error {
	fmt.Fprintf(w, "HTTP/1.1 %v %v\r\n\r\n", code, message)
	return w.Flush()
}

func writeInternalError(w *bufio.Writer, err error) {
	fmt.Fprintf(w, "HTTP/1.1 500 Internal Server Error\r\n\r\n%v", err)
	w.Flush()
}
