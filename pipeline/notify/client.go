// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package notify implements the comms-hub client used for publisher
// black-flag notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/IATI/refresher/pipeline/config"
)

var (
	// Error is the default notify errs class.
	Error = errs.Class("notify")

	mon = monkit.Package()
)

// Client posts notifications to the comms hub.
type Client struct {
	url      string
	keyName  string
	keyValue string
	client   *http.Client
}

// New returns a client for the configured comms hub.
func New(cfg config.NotifyConfig) *Client {
	return &Client{
		url:      cfg.URL,
		keyName:  cfg.KeyName,
		keyValue: cfg.KeyValue,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type notification struct {
	Type string           `json:"type"`
	Data notificationData `json:"data"`
}

type notificationData struct {
	PublisherID string `json:"publisherId"`
	Reason      string `json:"reason"`
}

// NewBlackFlag notifies the comms hub that a publisher was black-flagged.
// Anything but a 200 answer is an error; the caller retries on a later pass.
func (c *Client) NewBlackFlag(ctx context.Context, publisherID, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(notification{
		Type: "NEW_BLACK_FLAG",
		Data: notificationData{PublisherID: publisherID, Reason: reason},
	})
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.keyName, c.keyValue)

	resp, err := c.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Error.New("comms hub answered HTTP %d for publisher %s", resp.StatusCode, publisherID)
	}
	return nil
}
