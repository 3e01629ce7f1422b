// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package solr implements a thin JSON client for the search index. Each
// indexed core is addressed as <base><name>_solrize/; documents are posted to
// the update handler and removed with delete-by-query.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default solr errs class.
	Error = errs.Class("solr")

	mon = monkit.Package()
)

// Kind classifies an index operation failure. Server, Timeout and Connection
// failures are transient; the caller backs off and retries the document later.
type Kind string

const (
	KindServer     Kind = "Server"
	KindClient     Kind = "Client"
	KindTimeout    Kind = "Timeout"
	KindConnection Kind = "Connection"
	KindUnknown    Kind = "Unknown"
)

// OpError is a classified failure of a single index operation.
type OpError struct {
	Kind   Kind
	Status int
	Op     string
	Core   string
	Err    error
}

func (e *OpError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("solr %s HTTP %d error %s core %q: %v", e.Kind, e.Status, e.Op, e.Core, e.Err)
	}
	return fmt.Sprintf("solr %s error %s core %q: %v", e.Kind, e.Op, e.Core, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Transient reports whether waiting and retrying could help.
func (e *OpError) Transient() bool {
	return e.Kind == KindServer || e.Kind == KindTimeout || e.Kind == KindConnection
}

// PingError marks a failure of the availability probe, before any index
// mutation happened.
type PingError struct {
	OpError
}

// Client talks to one Solr instance.
type Client struct {
	base     string
	user     string
	password string
	client   *http.Client
}

// New returns a client for the instance at base (trailing slash required by
// convention, added when missing).
func New(base, user, password string, timeout time.Duration) *Client {
	if base != "" && base[len(base)-1] != '/' {
		base += "/"
	}
	return &Client{
		base:     base,
		user:     user,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

// Core addresses one indexed core by its short name.
func (c *Client) Core(name string) *Core {
	return &Core{
		client: c,
		name:   name,
		url:    c.base + name + "_solrize/",
	}
}

// Core is one addressable index core.
type Core struct {
	client *Client
	name   string
	url    string
}

// Name returns the core's short name.
func (c *Core) Name() string { return c.name }

// Ping probes the core's availability.
func (c *Core) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	err = c.do(ctx, http.MethodGet, c.url+"admin/ping", nil)
	if err != nil {
		var op *OpError
		if errors.As(err, &op) {
			return &PingError{OpError: *op}
		}
		return err
	}
	return nil
}

// Add posts a batch of documents to the update handler. Commits are left to
// the server's autocommit policy.
func (c *Core) Add(ctx context.Context, docs []map[string]any) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(docs)
	if err != nil {
		return Error.Wrap(err)
	}
	return c.doOp(ctx, "ADD", c.url+"update", body)
}

// DeleteByQuery removes every document matching the query.
func (c *Core) DeleteByQuery(ctx context.Context, query string) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(map[string]any{
		"delete": map[string]string{"query": query},
	})
	if err != nil {
		return Error.Wrap(err)
	}
	return c.doOp(ctx, "DELETE", c.url+"update", body)
}

func (c *Core) doOp(ctx context.Context, op, url string, body []byte) error {
	err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		var opErr *OpError
		if errors.As(err, &opErr) {
			opErr.Op = op
			return opErr
		}
	}
	return err
}

func (c *Core) do(ctx context.Context, method, url string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Error.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.client.user != "" {
		req.SetBasicAuth(c.client.user, c.client.password)
	}

	resp, err := c.client.client.Do(req)
	if err != nil {
		return &OpError{Kind: classify(err), Core: c.name, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	kind := KindClient
	if resp.StatusCode >= 500 {
		kind = KindServer
	}
	return &OpError{
		Kind:   kind,
		Status: resp.StatusCode,
		Core:   c.name,
		Err:    Error.New("%s", string(detail)),
	}
}

func classify(err error) Kind {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	return KindUnknown
}
