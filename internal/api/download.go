package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	errInvalidRange  = errors.New("invalid range format")
	errUnsatisfiable = errors.New("range not satisfiable")
)

// byteRange is an inclusive byte interval of a file.
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) Length() int64 {
	return r.End - r.Start + 1
}

func (r byteRange) ContentRange(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, total)
}

// parseRange parses a single-range Range header against a file of size
// bytes. Only the first range of a multi-range header is honoured. A nil
// range with a nil error means "send the whole file".
func parseRange(header string, size int64) (*byteRange, error) {
	if header == "" {
		return nil, nil
	}
	set, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return nil, errInvalidRange
	}
	if first, _, multi := strings.Cut(set, ","); multi {
		set = strings.TrimSpace(first)
	}

	startStr, endStr, ok := strings.Cut(set, "-")
	if !ok {
		return nil, errInvalidRange
	}

	var start, end int64
	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return nil, errInvalidRange
		}
		start = max(size-suffix, 0)
		end = size - 1
	} else {
		var err error
		start, err = strconv.ParseInt(startStr, 10, 64)
		if err != nil || start < 0 {
			return nil, errInvalidRange
		}
		end = size - 1
		if endStr != "" {
			end, err = strconv.ParseInt(endStr, 10, 64)
			if err != nil {
				return nil, errInvalidRange
			}
		}
	}

	if start > end || start >= size {
		return nil, errUnsatisfiable
	}
	return &byteRange{Start: start, End: min(end, size-1)}, nil
}

// serveScene streams a delivered scene file under its display name,
// honouring Range requests so players can seek.
func serveScene(w http.ResponseWriter, r *http.Request, path, name string, logger *slog.Logger) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			WriteError(w, http.StatusGone, "scene is no longer available", "EXPIRED")
			return
		}
		logger.Error("failed to open scene", "error", err, "request_id", requestID(r))
		WriteError(w, http.StatusInternalServerError, "failed to open scene", "INTERNAL_ERROR")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to stat scene", "INTERNAL_ERROR")
		return
	}
	size := info.Size()

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))

	rng, err := parseRange(r.Header.Get("Range"), size)
	if errors.Is(err, errUnsatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		WriteError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable", "RANGE_NOT_SATISFIABLE")
		return
	}
	// A malformed Range header is ignored and the whole file is sent.
	if rng == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, f)
		}
		return
	}

	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to seek scene", "INTERNAL_ERROR")
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.Header().Set("Content-Range", rng.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		io.CopyN(w, f, rng.Length())
	}
}
