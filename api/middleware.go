package api

import (
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

// GzipRequestMiddleware transparently decompresses gzip-encoded request
// bodies so handlers always see plain JSON. The decompressed stream still
// flows through the per-route size caps at decode time. Malformed
// payloads get the standard invalid_input envelope.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !requestIsGzipped(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			raw := req.Body
			gr, err := gzip.NewReader(raw)
			if err != nil {
				_ = raw.Close()
				return respondError(c, fmt.Errorf("%w: malformed gzip body", domain.ErrInvalidInput))
			}

			req.Body = &gzipBody{Reader: gr, raw: raw}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

// requestIsGzipped reports whether the outermost content coding is gzip.
// Codings apply in order, so only the last one can be undone here.
// "x-gzip" is an accepted alias per RFC 9110.
func requestIsGzipped(header string) bool {
	if header == "" {
		return false
	}
	codings := strings.Split(header, ",")
	switch strings.ToLower(strings.TrimSpace(codings[len(codings)-1])) {
	case "gzip", "x-gzip":
		return true
	}
	return false
}

// gzipBody closes both the decompressor and the underlying request body.
type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (g *gzipBody) Close() error {
	var err error
	if g.Reader != nil {
		err = g.Reader.Close()
	}
	if g.raw != nil {
		if cerr := g.raw.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
