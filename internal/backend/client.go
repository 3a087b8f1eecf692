package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"classlink/pkg/types"
)

// DefaultTimeout bounds every backend request.
const DefaultTimeout = 30 * time.Second

// Client is the HTTP implementation of interfaces.Backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a backend client. token is sent as a bearer credential.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, ErrMissingBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type resolveRequest struct {
	Participants []string `json:"participants"`
}

// ResolveConversation returns the one-to-one conversation of two users,
// creating it when needed.
func (c *Client) ResolveConversation(ctx context.Context, userA, userB string) (*types.ConversationRef, error) {
	var ref types.ConversationRef
	body := resolveRequest{Participants: []string{userA, userB}}
	if err := c.doRequest(ctx, http.MethodPost, "/api/conversations/resolve", body, &ref); err != nil {
		return nil, fmt.Errorf("backend.ResolveConversation: %w", err)
	}
	return &ref, nil
}

// FetchMessages returns one page of history, oldest first. before=0 asks
// for the newest page.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, before int64, limit int) ([]*types.Message, error) {
	params := url.Values{}
	if before > 0 {
		params.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var msgs []*types.Message
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, fmt.Errorf("backend.FetchMessages: %w", err)
	}
	return msgs, nil
}

// SendMessage posts a draft as multipart form data: text, reply_to and an
// optional file part.
func (c *Client) SendMessage(ctx context.Context, conversationID string, draft types.Draft) (*types.Message, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("text", draft.Text); err != nil {
		return nil, fmt.Errorf("backend.SendMessage: %w", err)
	}
	if draft.ReplyTo != 0 {
		if err := mw.WriteField("reply_to", strconv.FormatInt(draft.ReplyTo, 10)); err != nil {
			return nil, fmt.Errorf("backend.SendMessage: %w", err)
		}
	}
	if f := draft.File; f != nil {
		if err := writeFilePart(mw, f); err != nil {
			return nil, fmt.Errorf("backend.SendMessage: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("backend.SendMessage: %w", err)
	}

	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	req, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, fmt.Errorf("backend.SendMessage: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var msg types.Message
	if err := c.do(req, &msg); err != nil {
		return nil, fmt.Errorf("backend.SendMessage: %w", err)
	}
	return &msg, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFilePart(mw *multipart.Writer, f *types.Upload) error {
	mimeType := f.MIMEType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(f.Name)))
	h.Set("Content-Type", mimeType)

	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if f.Reader == nil {
		return nil
	}
	if _, err := io.Copy(part, f.Reader); err != nil {
		return fmt.Errorf("copy file %s: %w", f.Name, err)
	}
	return nil
}

// JoinRoom asks the backend for a session credential and ICE servers.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (*types.JoinTicket, error) {
	var ticket types.JoinTicket
	if err := c.doRequest(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/join", nil, &ticket); err != nil {
		return nil, fmt.Errorf("backend.JoinRoom: %w", err)
	}
	if ticket.RoomID == "" {
		ticket.RoomID = roomID
	}
	return &ticket, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1 MB max error body
		if readErr != nil {
			return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", readErr)}
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: apiErr.Error}
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
