package chunk

import (
	"context"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"ldtcast/internal/faults"
)

// httpOrigin fetches one part per ranged GET so only a single part is ever
// held in memory. Servers that ignore Range get their full body buffered.
//
// Requests are bound to the context given to Open: a cancelled transfer stops
// waiting at once, and a deadline shortens the per-request timeout.
type httpOrigin struct {
	ctx     context.Context
	url     string
	c       *fasthttp.Client
	timeout time.Duration
	off     int64
	size    int64
	whole   []byte
	done    bool
}

// reply is what survives of a response once it is released.
type reply struct {
	status int
	length int
	body   []byte
	err    error
}

func openHTTP(ctx context.Context, rawURL string, o Options) (Origin, error) {
	if o.HTTPClient == nil {
		o.HTTPClient = &fasthttp.Client{}
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	h := &httpOrigin{ctx: ctx, url: rawURL, c: o.HTTPClient, timeout: o.HTTPTimeout, size: -1}

	r := h.do(fasthttp.MethodHead, "")
	if r.err != nil {
		return nil, fmt.Errorf("open origin %s: %w", rawURL, r.err)
	}
	switch r.status {
	case fasthttp.StatusOK:
	case fasthttp.StatusMethodNotAllowed, fasthttp.StatusNotImplemented:
		// no HEAD support; size stays unknown
		return h, nil
	default:
		return nil, fmt.Errorf("open origin %s: status %d", rawURL, r.status)
	}
	if r.length >= 0 {
		h.size = int64(r.length)
	}
	return h, nil
}

// do runs one request in the background and waits for it or for the
// context, whichever comes first. An abandoned request releases its own
// buffers when it returns.
func (h *httpOrigin) do(method, byteRange string) reply {
	if err := h.ctx.Err(); err != nil {
		return reply{err: faults.Wrap(faults.Aborted, "fetch", err)}
	}
	timeout := h.timeout
	if dl, ok := h.ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	ch := make(chan reply, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		req.SetRequestURI(h.url)
		req.Header.SetMethod(method)
		if byteRange != "" {
			req.Header.Set("Range", byteRange)
		}
		resp.SkipBody = method == fasthttp.MethodHead
		if err := h.c.DoTimeout(req, resp, timeout); err != nil {
			ch <- reply{err: err}
			return
		}
		ch <- reply{
			status: resp.StatusCode(),
			length: resp.Header.ContentLength(),
			body:   append([]byte(nil), resp.Body()...),
		}
	}()

	select {
	case r := <-ch:
		return r
	case <-h.ctx.Done():
		return reply{err: faults.Wrap(faults.Aborted, "fetch", h.ctx.Err())}
	}
}

func (h *httpOrigin) Read(max int) ([]byte, bool, error) {
	if h.done {
		return nil, true, nil
	}
	if h.whole != nil {
		return h.fromWhole(max), h.done, nil
	}
	if h.size >= 0 && h.off >= h.size {
		h.done = true
		return nil, true, nil
	}

	r := h.do(fasthttp.MethodGet, fmt.Sprintf("bytes=%d-%d", h.off, h.off+int64(max)-1))
	if r.err != nil {
		if faults.KindOf(r.err) != faults.Unknown {
			return nil, false, r.err
		}
		return nil, false, fmt.Errorf("fetch %s at %d: %w", h.url, h.off, r.err)
	}

	switch r.status {
	case fasthttp.StatusPartialContent:
		h.off += int64(len(r.body))
		h.done = len(r.body) < max || (h.size >= 0 && h.off >= h.size)
		return r.body, h.done, nil
	case fasthttp.StatusRequestedRangeNotSatisfiable:
		h.done = true
		return nil, true, nil
	case fasthttp.StatusOK:
		if h.off != 0 {
			return nil, false, faults.Errorf(faults.Transport, "fetch", "%s stopped honoring ranges at offset %d", h.url, h.off)
		}
		h.whole = r.body
		return h.fromWhole(max), h.done, nil
	}
	return nil, false, fmt.Errorf("fetch %s at %d: status %d", h.url, h.off, r.status)
}

func (h *httpOrigin) fromWhole(max int) []byte {
	rest := h.whole[h.off:]
	if len(rest) > max {
		rest = rest[:max]
	}
	h.off += int64(len(rest))
	h.done = h.off >= int64(len(h.whole))
	return rest
}

func (h *httpOrigin) Size() int64 { return h.size }

func (h *httpOrigin) Close() error {
	h.whole = nil
	h.done = true
	return nil
}
