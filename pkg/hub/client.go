// Package hub downloads model repositories from a Hugging Face compatible model hub.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-logr/logr"
	smerrors "kubegems.io/smdeploy/pkg/errors"
	"kubegems.io/smdeploy/pkg/version"
)

const (
	DefaultEndpoint = "https://huggingface.co"
	DefaultRevision = "main"

	EnvEndpoint    = "HF_ENDPOINT"
	EnvToken       = "HF_TOKEN"
	EnvLegacyToken = "HUGGING_FACE_HUB_TOKEN"
)

var UserAgent = "smdeploy/" + version.Get().GitVersion

type Client struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

func NewClient(endpoint, token string) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Client{
		Endpoint:   strings.TrimSuffix(endpoint, "/"),
		Token:      token,
		HTTPClient: http.DefaultClient,
	}
}

func NewClientFromEnv() *Client {
	token := os.Getenv(EnvToken)
	if token == "" {
		token = os.Getenv(EnvLegacyToken)
	}
	return NewClient(os.Getenv(EnvEndpoint), token)
}

type LFSInfo struct {
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
	PointerSize int64  `json:"pointerSize,omitempty"`
}

type Sibling struct {
	RFilename string   `json:"rfilename"`
	Size      int64    `json:"size,omitempty"`
	BlobID    string   `json:"blobId,omitempty"`
	LFS       *LFSInfo `json:"lfs,omitempty"`
}

// ExpectedSize is the size of the resolved file, the LFS object size for LFS tracked files.
func (s Sibling) ExpectedSize() int64 {
	if s.LFS != nil {
		return s.LFS.Size
	}
	return s.Size
}

type ModelInfo struct {
	ID       string    `json:"id"`
	ModelID  string    `json:"modelId,omitempty"`
	SHA      string    `json:"sha"`
	Private  bool      `json:"private,omitempty"`
	Gated    any       `json:"gated,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Siblings []Sibling `json:"siblings"`
}

func (c *Client) ModelInfo(ctx context.Context, repoID, revision string) (*ModelInfo, error) {
	if revision == "" {
		revision = DefaultRevision
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("repo", repoID, "revision", revision)
	log.V(1).Info("fetching model info")

	path := "/api/models/" + repoID + "/revision/" + url.PathEscape(revision) + "?blobs=true"
	resp, err := c.request(ctx, http.MethodGet, path)
	if err != nil {
		if smerrors.IsErrCode(err, smerrors.ErrCodeFileUnknown) {
			return nil, smerrors.NewModelUnknownError(repoID, revision)
		}
		return nil, err
	}
	defer resp.Body.Close()

	info := &ModelInfo{}
	if err := json.NewDecoder(resp.Body).Decode(info); err != nil {
		return nil, fmt.Errorf("decode model info: %w", err)
	}
	if info.SHA == "" {
		info.SHA = revision
	}
	return info, nil
}

// OpenFile opens a file of the repository at the given revision, returning its body and content length.
func (c *Client) OpenFile(ctx context.Context, repoID, revision, filename string) (io.ReadCloser, int64, error) {
	segments := strings.Split(filename, "/")
	for i := range segments {
		segments[i] = url.PathEscape(segments[i])
	}
	path := "/" + repoID + "/resolve/" + url.PathEscape(revision) + "/" + strings.Join(segments, "/")
	resp, err := c.request(ctx, http.MethodGet, path)
	if err != nil {
		return nil, -1, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) request(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.Endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	cli := c.HTTPClient
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, smerrors.FromHTTPStatus(resp.StatusCode, path, hubErrorMessage(body))
	}
	return resp, nil
}

func hubErrorMessage(body []byte) string {
	var msg struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err == nil && msg.Error != "" {
		return msg.Error
	}
	return string(body)
}

func retry(ctx context.Context, max int, fn func() error) error {
	var reterr error
	for i := 0; i < max; i++ {
		if err := fn(); err != nil {
			reterr = err
		} else {
			return nil
		}
		// client side errors will not get better
		info := smerrors.ErrorInfo{}
		if errors.As(reterr, &info) && info.Code != smerrors.ErrCodeDigestInvalid &&
			info.HttpStatus > 0 && info.HttpStatus < http.StatusInternalServerError {
			return reterr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return reterr
}
