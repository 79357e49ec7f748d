// Package objectstore deletes blobs from the portal's storage service.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/EFForg/portal-access/util"
)

// objectMarker prefixes every blob path served by the storage service.
const objectMarker = "/storage/v1/object/"

// ErrNotFound is returned when the blob doesn't exist.
var ErrNotFound = errors.New("object not found")

// Reference names a blob in the storage service.
type Reference struct {
	Container string `json:"container"`
	Path      string `json:"path"`
}

func (r Reference) String() string {
	return r.Container + "/" + r.Path
}

// ParseReference extracts the container and path from a storage URL of the
// form .../storage/v1/object/[public/|sign/]<container>/<path>. Links that
// don't point into the storage service return false.
func ParseReference(rawURL string) (Reference, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Reference{}, false
	}
	i := strings.Index(u.Path, objectMarker)
	if i < 0 {
		return Reference{}, false
	}
	rest := u.Path[i+len(objectMarker):]
	for _, access := range []string{"public/", "sign/", "authenticated/"} {
		if strings.HasPrefix(rest, access) {
			rest = rest[len(access):]
			break
		}
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || strings.Trim(parts[1], "/") == "" {
		return Reference{}, false
	}
	return Reference{Container: parts[0], Path: parts[1]}, true
}

// Client talks to the storage service's REST API with a service key.
type Client struct {
	BaseURL    string
	ServiceKey string
	HTTPClient *http.Client
}

// NewClient returns a Client for the service at baseURL.
func NewClient(baseURL string, serviceKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		ServiceKey: serviceKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientFromEnv configures a Client from STORAGE_URL and
// STORAGE_SERVICE_KEY.
func NewClientFromEnv() (*Client, error) {
	varErrs := util.Errors{}
	baseURL := util.RequireEnv("STORAGE_URL", &varErrs)
	key := util.RequireEnv("STORAGE_SERVICE_KEY", &varErrs)
	if len(varErrs) > 0 {
		return nil, varErrs
	}
	return NewClient(baseURL, key), nil
}

func (c *Client) objectURL(ref Reference) string {
	segments := strings.Split(ref.Path, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return fmt.Sprintf("%s%s%s/%s", c.BaseURL, objectMarker,
		url.PathEscape(ref.Container), strings.Join(segments, "/"))
}

// Delete removes the blob at ref. A blob that is already gone yields
// ErrNotFound.
func (c *Client) Delete(ctx context.Context, ref Reference) error {
	req, err := http.NewRequest(http.MethodDelete, c.objectURL(ref), nil)
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+c.ServiceKey)
	req.Header.Set("apikey", c.ServiceKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "deleting %s", ref)
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "deleting %s", ref)
	case resp.StatusCode >= 300:
		return fmt.Errorf("deleting %s: storage returned %d: %s", ref, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
