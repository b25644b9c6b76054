package directory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/busybox42/relay/pkg/types"
)

// Client talks to a directory over HTTP.
type Client struct {
	Base string
	HTTP *http.Client
}

func NewClient(base string) *Client { return &Client{Base: base, HTTP: http.DefaultClient} }

// Register publishes id under its own fingerprint and returns the fingerprint.
func (c *Client) Register(id types.Identity) (string, error) {
	fp, err := id.Fingerprint()
	if err != nil {
		return "", err
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(Entry{Fingerprint: fp, PubKey: id}); err != nil {
		return "", err
	}
	resp, err := c.HTTP.Post(c.Base+"/identity", "application/json", buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return "", ErrFingerprintMismatch
	case resp.StatusCode/100 != 2:
		return "", fmt.Errorf("directory register: %s", resp.Status)
	}
	return fp, nil
}

func (c *Client) Lookup(fingerprint string) (types.Identity, error) {
	resp, err := c.HTTP.Get(c.Base + "/identity/" + url.PathEscape(fingerprint))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case resp.StatusCode/100 != 2:
		return "", fmt.Errorf("directory lookup: %s", resp.Status)
	}

	var e Entry
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return "", err
	}
	return e.PubKey, nil
}
