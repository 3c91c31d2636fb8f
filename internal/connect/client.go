// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package connect implements a minimal client for the parts of the
// RStudio Connect HTTP API needed to publish a bundle: content records,
// bundle uploads and deployment tasks.
package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	"go.astrophena.name/base/request"

	"github.com/schollz/progressbar/v3"
	"github.com/tidwall/gjson"
)

// ErrMalformedResponse is returned when a response lacks a field the
// client relies on. Used in tests.
var ErrMalformedResponse = errors.New("malformed response")

// Client makes authenticated requests to a Connect server.
type Client struct {
	// ServerURL is the base URL of the Connect server.
	ServerURL string
	// APIKey authenticates every request.
	APIKey string
	// Progress determines whether an upload progress bar is drawn on
	// stderr.
	Progress bool
	// HTTPClient is a HTTP client for making requests. If nil, a client
	// that doesn't follow redirects is used: a redirect from the API is
	// treated as a failure, not followed silently.
	HTTPClient *http.Client
}

var noRedirectClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return noRedirectClient
}

func (c *Client) url(parts ...string) string {
	return strings.TrimSuffix(c.ServerURL, "/") + "/" + path.Join(parts...)
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Key " + c.APIKey}
}

// Content is a content record: the server's registration of a deployable
// application, identified by a GUID.
type Content struct {
	GUID       string `json:"guid"`
	Name       string `json:"name"`
	Title      string `json:"title"`
	ContentURL string `json:"content_url"`
}

// Task is a single observation of an asynchronous deployment task. Output
// carries the log lines past the cursor that was sent with the request,
// and Last is the cursor to send on the next poll.
type Task struct {
	ID       string   `json:"id"`
	Output   []string `json:"output"`
	Finished bool     `json:"finished"`
	Code     int      `json:"code"`
	Error    string   `json:"error"`
	Last     int      `json:"last"`
}

// CreateContent registers a new content record with the given unique name
// and human-readable title.
func (c *Client) CreateContent(ctx context.Context, name, title string) (*Content, error) {
	content, err := request.Make[*Content](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        c.url("content"),
		Headers:    c.headers(),
		Body:       map[string]string{"name": name, "title": title},
		HTTPClient: c.httpClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating content: %w", err)
	}
	if content.GUID == "" {
		return nil, fmt.Errorf("creating content: %w: no guid", ErrMalformedResponse)
	}
	return content, nil
}

// Content fetches a content record by its GUID.
func (c *Client) Content(ctx context.Context, guid string) (*Content, error) {
	content, err := request.Make[*Content](ctx, request.Params{
		Method:     http.MethodGet,
		URL:        c.url("content", guid),
		Headers:    c.headers(),
		HTTPClient: c.httpClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching content %s: %w", guid, err)
	}
	if content.ContentURL == "" {
		return nil, fmt.Errorf("fetching content %s: %w: no content_url", guid, ErrMalformedResponse)
	}
	return content, nil
}

// DeleteContent removes a content record.
func (c *Client) DeleteContent(ctx context.Context, guid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("content", guid), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+c.APIKey)

	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(res.Body)
		return fmt.Errorf("deleting content %s: %s", guid, errorMessage(res.StatusCode, b))
	}
	return nil
}

// UploadBundle uploads the archive at path as a new bundle of the content
// record identified by guid and returns the bundle ID.
func (c *Client) UploadBundle(ctx context.Context, guid, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	var body io.Reader = f
	if c.Progress {
		bar := progressbar.DefaultBytes(fi.Size(), "uploading bundle")
		body = io.TeeReader(f, bar)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("content", guid, "bundles"), body)
	if err != nil {
		return 0, err
	}
	req.ContentLength = fi.Size()
	req.Header.Set("Authorization", "Key "+c.APIKey)
	req.Header.Set("Content-Type", "application/x-tar")

	res, err := c.httpClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, err
	}
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("uploading bundle: %s", errorMessage(res.StatusCode, b))
	}

	id := gjson.GetBytes(b, "id")
	if !id.Exists() {
		return 0, fmt.Errorf("uploading bundle: %w: no id", ErrMalformedResponse)
	}
	return id.Int(), nil
}

type deployRequest struct {
	BundleID int64 `json:"bundle_id"`
}

type deployResponse struct {
	TaskID string `json:"task_id"`
}

// Deploy starts a deployment task that activates the given bundle as the
// live version of the content record and returns the task ID.
func (c *Client) Deploy(ctx context.Context, guid string, bundleID int64) (string, error) {
	res, err := request.Make[deployResponse](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        c.url("content", guid, "deploy"),
		Headers:    c.headers(),
		Body:       deployRequest{BundleID: bundleID},
		HTTPClient: c.httpClient(),
	})
	if err != nil {
		return "", fmt.Errorf("starting deployment: %w", err)
	}
	if res.TaskID == "" {
		return "", fmt.Errorf("starting deployment: %w: no task_id", ErrMalformedResponse)
	}
	return res.TaskID, nil
}

// Task fetches the status of a deployment task. first is the log cursor
// returned by the previous poll (zero on the first one); the server
// long-polls and returns only the output lines past it.
func (c *Client) Task(ctx context.Context, id string, first int) (*Task, error) {
	task, err := request.Make[*Task](ctx, request.Params{
		Method:     http.MethodGet,
		URL:        c.url("tasks", id) + "?wait=1&first=" + strconv.Itoa(first),
		Headers:    c.headers(),
		HTTPClient: c.httpClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching task %s: %w", id, err)
	}
	return task, nil
}

// errorMessage formats a failure response, preferring the server-reported
// error field if the body carries one.
func errorMessage(status int, body []byte) string {
	if msg := gjson.GetBytes(body, "error"); msg.Exists() {
		return fmt.Sprintf("server reported %q (HTTP %d)", msg.String(), status)
	}
	return fmt.Sprintf("wanted 200, got %d: %s", status, body)
}
