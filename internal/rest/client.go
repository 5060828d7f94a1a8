// Package rest is the HTTP client for the chat service's history, chat
// list and file endpoints.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/hubclient/internal/wire"
)

// Endpoint paths relative to the server URL.
const (
	PathGetChats      = "/api/Chat/GetChats"
	PathGetRecentChat = "/api/Chat/GetRecentChat"
	PathUpload        = "/api/File/Upload"
	PathDownload      = "/api/File/Download/"
)

const (
	defaultTimeout = 30 * time.Second
	codeOK         = 200
	maxErrorBody   = 512
)

// ErrUnauthorized is returned for 401 responses.
var ErrUnauthorized = errors.New("rest: unauthorized")

// StatusError is a non-2xx HTTP response or a non-OK envelope code.
type StatusError struct {
	Status int
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rest: http %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("rest: response code %d", e.Code)
}

// envelope is the service's response wrapper.
type envelope struct {
	Code   int             `json:"code"`
	Result json.RawMessage `json:"result"`
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// Token returns the bearer token for each request.
	Token      func(ctx context.Context) (string, error)
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      func(ctx context.Context) (string, error)
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// doJSON performs a request and decodes the envelope's result into out.
func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Code != codeOK {
		return &StatusError{Code: env.Code}
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// HistoryRequest addresses one page of a chat's history. Page 0 is the
// most recent.
type HistoryRequest struct {
	UserID    int64
	Type      wire.ChatType
	To        int64
	CallCount int
}

// History is one page of messages, newest last as the service returns them.
type History struct {
	Messages    []wire.MessagePayload `json:"messages"`
	Count       int                   `json:"count"`
	IsOnline    bool                  `json:"isOnline"`
	TotalOnline int                   `json:"totalOnline"`
}

// GetChats fetches a page of history for a direct chat or a group.
func (c *Client) GetChats(ctx context.Context, r HistoryRequest) (*History, error) {
	q := url.Values{}
	q.Set("userId", strconv.FormatInt(r.UserID, 10))
	if r.Type.IsGroup() {
		q.Set("groupId", strconv.FormatInt(r.To, 10))
	} else {
		q.Set("toUserId", strconv.FormatInt(r.To, 10))
	}
	if r.Type == "" {
		r.Type = wire.ChatUser
	}
	q.Set("type", string(r.Type))
	q.Set("callCount", strconv.Itoa(r.CallCount))

	req, err := c.newRequest(ctx, http.MethodGet, PathGetChats, q, nil)
	if err != nil {
		return nil, err
	}
	var h History
	if err := c.doJSON(req, &h); err != nil {
		return nil, fmt.Errorf("get chats: %w", err)
	}
	for i := range h.Messages {
		h.Messages[i].Normalize()
	}
	return &h, nil
}

// RecentChat is one entry of the service's recent chat list.
type RecentChat struct {
	UserID                  wire.ID   `json:"userId"`
	GroupID                 wire.ID   `json:"groupId"`
	Name                    string    `json:"name"`
	Photo                   string    `json:"photo"`
	Type                    string    `json:"type"`
	LastMessage             string    `json:"lastMessage"`
	LastMessageID           string    `json:"lastMessageId"`
	LastMessageAt           wire.Time `json:"lastMessageAt"`
	UnreadCount             int       `json:"unreadCount"`
	IsAdmin                 bool      `json:"isAdmin"`
	CanEditSettings         bool      `json:"canEditSettings"`
	CanSendMessages         *bool     `json:"canSendMessages"`
	CanAddMembers           bool      `json:"canAddMembers"`
	HasPendingDeleteRequest bool      `json:"hasPendingDeleteRequest"`
}

// IsGroup reports whether the entry is a group chat.
func (r RecentChat) IsGroup() bool {
	return wire.ParseChatType(r.Type).IsGroup() || (r.GroupID != 0 && r.UserID == 0)
}

// ChatID is the group id for groups, otherwise the user id.
func (r RecentChat) ChatID() string {
	if r.IsGroup() {
		return wire.ChatKey(wire.ChatGroup, r.GroupID)
	}
	return wire.ChatKey(wire.ChatUser, r.UserID)
}

// GetRecentChat fetches the recent chat list.
func (c *Client) GetRecentChat(ctx context.Context) ([]RecentChat, error) {
	req, err := c.newRequest(ctx, http.MethodGet, PathGetRecentChat, nil, nil)
	if err != nil {
		return nil, err
	}
	var chats []RecentChat
	if err := c.doJSON(req, &chats); err != nil {
		return nil, fmt.Errorf("get recent chat: %w", err)
	}
	return chats, nil
}

// UploadFile uploads data as an attachment. The content type is sniffed
// from the data.
func (c *Client) UploadFile(ctx context.Context, fileName string, data []byte) (*wire.Attachment, error) {
	mt := mimetype.Detect(data)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(fileHeader(fileName, mt.String()))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, PathUpload, nil, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var att wire.Attachment
	if err := c.doJSON(req, &att); err != nil {
		return nil, fmt.Errorf("upload %s: %w", fileName, err)
	}
	if att.FileName == "" {
		att.FileName = fileName
	}
	if att.ContentType == "" {
		att.ContentType = mt.String()
	}
	if att.Size == 0 {
		att.Size = int64(len(data))
	}
	c.logger.Info("file uploaded", zap.String("attachment_id", att.ID), zap.String("content_type", att.ContentType))
	return &att, nil
}

// DownloadFile streams an attachment to w and returns its content type.
func (c *Client) DownloadFile(ctx context.Context, attachmentID string, w io.Writer) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, PathDownload+url.PathEscape(attachmentID), nil, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.send(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", attachmentID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("download %s: %w", attachmentID, err)
	}
	return resp.Header.Get("Content-Type"), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func fileHeader(fileName, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(fileName)))
	h.Set("Content-Type", contentType)
	return h
}
