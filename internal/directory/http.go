package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPSource talks to a Slack-compatible workspace directory over HTTPS.
//
// The service is heavily rate limited, so the client retries 429 and 5xx
// responses with backoff before giving up; a refresh is only declared
// failed once retries are exhausted. Endpoints:
//
//	GET /api/conversations.list  -> {"ok":true,"channels":[{"id","name"}],"response_metadata":{"next_cursor"}}
//	GET /api/users.list          -> {"ok":true,"members":[{"id","name"}],...}
//	GET /api/usergroups.list     -> {"ok":true,"usergroups":[{"id","handle"}],...}
type HTTPSource struct {
	baseURL string
	token   string
	client  *retryablehttp.Client
}

// NewHTTPSource creates a source for the directory API at baseURL,
// authenticating every request with the given bearer token.
func NewHTTPSource(baseURL, token string) *HTTPSource {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 30 * time.Second
	client.Logger = nil

	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// ListChannels implements Source.
func (s *HTTPSource) ListChannels(ctx context.Context, cursor string) (Page, error) {
	var resp struct {
		apiEnvelope
		Channels []wireEntry `json:"channels"`
	}
	if err := s.get(ctx, "conversations.list", cursor, &resp); err != nil {
		return Page{}, err
	}
	return pageFrom(resp.Channels, resp.ResponseMetadata.NextCursor, func(e wireEntry) string { return e.Name }), nil
}

// ListUsers implements Source.
func (s *HTTPSource) ListUsers(ctx context.Context, cursor string) (Page, error) {
	var resp struct {
		apiEnvelope
		Members []wireEntry `json:"members"`
	}
	if err := s.get(ctx, "users.list", cursor, &resp); err != nil {
		return Page{}, err
	}
	return pageFrom(resp.Members, resp.ResponseMetadata.NextCursor, func(e wireEntry) string { return e.Name }), nil
}

// ListGroups implements Source.
func (s *HTTPSource) ListGroups(ctx context.Context, cursor string) (Page, error) {
	var resp struct {
		apiEnvelope
		Usergroups []wireEntry `json:"usergroups"`
	}
	if err := s.get(ctx, "usergroups.list", cursor, &resp); err != nil {
		return Page{}, err
	}
	return pageFrom(resp.Usergroups, resp.ResponseMetadata.NextCursor, func(e wireEntry) string { return e.Handle }), nil
}

type wireEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

type apiEnvelope struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (e apiEnvelope) err(method string) error {
	if e.OK {
		return nil
	}
	if e.Error != "" {
		return fmt.Errorf("%s: remote error %q", method, e.Error)
	}
	return fmt.Errorf("%s: remote reported failure", method)
}

// get issues one paginated API call and decodes the body into out, which
// must embed apiEnvelope.
func (s *HTTPSource) get(ctx context.Context, method, cursor string, out interface{ err(string) error }) error {
	u := fmt.Sprintf("%s/api/%s", s.baseURL, method)
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", method, err)
	}

	return out.err(method)
}

func pageFrom(entries []wireEntry, next string, label func(wireEntry) string) Page {
	page := Page{NextCursor: next}
	for _, e := range entries {
		page.Entries = append(page.Entries, Entry{ID: e.ID, Label: label(e)})
	}
	return page
}
