package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyLimit int64 = 1 << 20

// sizeSuffixes is ordered so that two-letter suffixes are tried first.
var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30}, {"MB", 20}, {"KB", 10},
	{"G", 30}, {"M", 20}, {"K", 10},
}

// BodyLimit caps request bodies. JSON requests get defaultLimit; multipart
// signups, which carry documents, get uploadLimit. Limits use "512K", "1M"
// or "1G" notation, or a bare byte count.
func BodyLimit(defaultLimit, uploadLimit string) echo.MiddlewareFunc {
	jsonMax := parseLimit(defaultLimit)
	uploadMax := parseLimit(uploadLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			max := jsonMax
			if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
				max = uploadMax
			}
			if req.ContentLength > max {
				return tooLarge(max)
			}

			// Content-Length may be missing or lie; enforce while reading too.
			req.Body = http.MaxBytesReader(c.Response(), req.Body, max)

			err := next(c)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return tooLarge(maxErr.Limit)
			}
			return err
		}
	}
}

func tooLarge(limit int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds %d bytes", limit))
}

// parseLimit turns "12M" style sizes into bytes. Anything unparsable falls
// back to 1MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultBodyLimit
	}
	var shift uint
	for _, u := range sizeSuffixes {
		if strings.HasSuffix(s, u.suffix) {
			s, shift = strings.TrimSuffix(s, u.suffix), u.shift
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return defaultBodyLimit
	}
	return n << shift
}
