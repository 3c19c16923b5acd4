package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ckoons/Tekton-sub017/tekerr"
)

// Client resolves endpoints against a remote registry over HTTP. It backs
// out-of-process callers like the aish shell.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a registry client for a base URL like
// "http://localhost:8100".
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Resolve returns the ready endpoints for a component name, best instance
// first.
func (c *Client) Resolve(name string) ([]Endpoint, error) {
	resp, err := c.http.Get(fmt.Sprintf("%s/resolve?name=%s", c.baseURL, url.QueryEscape(name)))
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodeUnavailable, err)
	}
	defer resp.Body.Close()

	var body struct {
		OK   bool `json:"ok"`
		Data struct {
			Endpoints []Endpoint `json:"endpoints"`
		} `json:"data"`
		Error *tekerr.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, tekerr.New(tekerr.CodeUnavailable, "decode resolve response: %v", err)
	}
	if !body.OK {
		if body.Error != nil {
			return nil, body.Error
		}
		return nil, tekerr.New(tekerr.CodeUnavailable, "resolve %q: HTTP %d", name, resp.StatusCode)
	}
	return body.Data.Endpoints, nil
}
