package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// LoadOptions configures a single document fetch.
type LoadOptions struct {
	Timeout time.Duration
	// Method is recorded on any failure so the recovery system knows which rendering
	// technique the attempt was using.
	Method     RenderMethod
	OnProgress func(loaded, total int64)
}

// LoadResult is a successfully fetched and parsed document.
type LoadResult struct {
	Document Document
	NumPages int
	LoadTime time.Duration
}

// DefaultLoadTimeout applies when LoadOptions.Timeout is zero.
const DefaultLoadTimeout = 30 * time.Second

const progressChunkSize = 32 * 1024

// Loader fetches PDF bytes over HTTP and hands them to the parsing engine. It holds
// no shared state; every Load is independent.
type Loader struct {
	client *http.Client
	engine Engine
	log    *slog.Logger
}

func NewLoader(client *http.Client, engine Engine, log *slog.Logger) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	if engine == nil {
		engine = NewEngine()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{client: client, engine: engine, log: log}
}

// Load fetches the document at url and parses it. The whole operation (fetch and
// parse) runs under the configured timeout; hitting it surfaces as a timeout-class
// error through the same classification path as any other network failure.
func (l *Loader) Load(ctx context.Context, url string, opts LoadOptions) (*LoadResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	data, err := l.fetch(ctx, url, opts)
	if err != nil {
		return nil, err
	}

	doc, err := l.engine.Load(ctx, data)
	if err != nil {
		return nil, err
	}

	res := &LoadResult{Document: doc, NumPages: doc.NumPages(), LoadTime: time.Since(start)}
	l.log.Debug("Document loaded.", "numPages", res.NumPages, "loadTime", res.LoadTime.String(), "bytes", len(data))
	return res, nil
}

func (l *Loader) fetch(ctx context.Context, url string, opts LoadOptions) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &RenderError{
			Kind:    KindNetwork,
			Stage:   StageFetching,
			Method:  opts.Method,
			Message: "invalid request",
			Err:     err,
		}
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fetchError(ctx, opts.Method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := KindNetwork
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = KindAuth
		}
		return nil, &RenderError{
			Kind:       kind,
			Stage:      StageFetching,
			Method:     opts.Method,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected response fetching %s", url),
		}
	}

	total := resp.ContentLength
	var data []byte
	buf := make([]byte, progressChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if opts.OnProgress != nil {
				opts.OnProgress(int64(len(data)), total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fetchError(ctx, opts.Method, err)
		}
	}
	return data, nil
}

// fetchError wraps a transport failure, distinguishing timeouts (context deadline or
// net timeout) from other network errors.
func fetchError(ctx context.Context, method RenderMethod, err error) error {
	kind := KindNetwork
	msg := "network fetch failed"
	var ne net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
		msg = "fetch aborted by timeout"
	}
	return &RenderError{
		Kind:    kind,
		Stage:   StageFetching,
		Method:  method,
		Message: msg,
		Err:     err,
	}
}
