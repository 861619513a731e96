package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/picqlabs/picq-relay/internal/upstream"
)

// Client is a typed client for the upstream record endpoints.
type Client struct {
	http *http.Client
	eps  *upstream.Endpoints
}

func NewClient(h *http.Client, eps *upstream.Endpoints) *Client {
	if h == nil {
		h = http.DefaultClient
	}
	return &Client{http: h, eps: eps}
}

// CreateSearch submits a query and optional image as multipart form
// data and returns the stored search record.
func (c *Client) CreateSearch(ctx context.Context, queryText string, image io.Reader, imageName string) (*SearchCreated, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("query_text", queryText); err != nil {
		return nil, fmt.Errorf("write query field: %w", err)
	}
	if image != nil {
		part, err := mw.CreateFormFile("query_image", imageName)
		if err != nil {
			return nil, fmt.Errorf("create image part: %w", err)
		}
		if _, err = io.Copy(part, image); err != nil {
			return nil, fmt.Errorf("copy image: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eps.URL(upstream.CapSearchInsert), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out SearchCreated
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Results fetches the stored results of a search.
func (c *Client) Results(ctx context.Context, searchID string) (*SearchResults, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.eps.URL(upstream.CapSearchResults, searchID), nil)
	if err != nil {
		return nil, err
	}
	var out SearchResults
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History fetches the chat history of a match. A non-positive limit
// uses the server default.
func (c *Client) History(ctx context.Context, matchID string, limit int) (*ChatHistory, error) {
	u := c.eps.URL(upstream.CapChatHistory, matchID)
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out ChatHistory
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendChat opens a chat stream for a match. The caller owns the
// returned body and reads newline-delimited envelopes from it.
func (c *Client) SendChat(ctx context.Context, chatReq ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eps.URL(upstream.CapChatStream), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chat stream request failed with status %d: %s", resp.StatusCode, snippet)
	}
	return resp.Body, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("record request failed with status %d: %s", resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode record response: %w", err)
	}
	return nil
}
