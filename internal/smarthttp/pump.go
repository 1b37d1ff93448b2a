package smarthttp

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/enboxorg/gitd/internal/repostore"
)

type pumpResult struct {
	bytesIn    int64
	bytesOut   int64
	stalled    bool
	clientGone bool
	err        error
}

// pump bridges the request body into the pack subprocess and its stdout back
// into the response, full duplex. Neither body is ever materialized; a
// receive-pack POST can be gigabytes. Both directions must run concurrently
// or git deadlocks once the pipe buffers fill.
func (h *Handler) pump(ctx context.Context, w http.ResponseWriter, body io.Reader, pack *repostore.PackCmd) (res pumpResult) {
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	var stalled atomic.Bool
	go func() {
		ticker := time.NewTicker(h.StallTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastActivity.Load()))
				if idle > h.StallTimeout {
					stalled.Store(true)
					pack.Kill()
					return
				}
			}
		}
	}()

	g := new(errgroup.Group)

	g.Go(func() error {
		n, _ := io.Copy(pack.Stdin, &activityReader{r: body, touch: touch})
		atomic.AddInt64(&res.bytesIn, n)
		// a copy error here is normal: git exits without draining stdin
		// when the client asks for nothing. closing stdin is what tells
		// git the request is done, so it must happen on every path.
		return pack.Stdin.Close()
	})

	g.Go(func() error {
		n, err := io.Copy(&flushWriter{w: w, touch: touch}, pack.Stdout)
		atomic.AddInt64(&res.bytesOut, n)
		return err
	})

	pumpErr := g.Wait()
	waitErr := pack.Wait()
	stopWatch()

	res.stalled = stalled.Load()
	res.clientGone = ctx.Err() != nil && !res.stalled

	switch {
	case res.stalled:
		res.err = errStalled
	case res.clientGone:
		res.err = ctx.Err()
	case waitErr != nil:
		res.err = waitErr
	default:
		res.err = pumpErr
	}

	return res
}

type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (n int, err error) {
	n, err = a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

// flushWriter pushes every chunk of pack output onto the wire immediately.
// Sideband progress messages are useless if they sit in a buffer until the
// push finishes.
type flushWriter struct {
	w     http.ResponseWriter
	touch func()
}

func (f *flushWriter) Write(p []byte) (n int, err error) {
	n, err = f.w.Write(p)
	if n > 0 {
		f.touch()
	}
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
