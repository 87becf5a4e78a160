package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	fb "github.com/huandu/facebook/v2"

	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/util"
)

// DefaultGraphBaseURL is the Graph API version replies are sent through.
const DefaultGraphBaseURL = "https://graph.facebook.com/v18.0"

// Graph error codes Meta documents as temporary or throttling.
var transientGraphCodes = map[int]bool{1: true, 2: true, 4: true, 17: true, 32: true, 341: true, 613: true}

var graphVersionPrefix = regexp.MustCompile(`^/v\d+\.\d+`)

// MetaClient sends messages through the Meta Graph API: Instagram and
// Messenger page conversations, and the WhatsApp Cloud API.
type MetaClient struct {
	app   *fb.App
	base  *url.URL
	http  *http.Client
	retry []util.RetryOption
}

// NewMetaClient creates a Graph API client.
func NewMetaClient(opts ...Option) *MetaClient {
	cfg := applyOpts(opts)
	base, err := url.Parse(strings.TrimRight(cfg.GraphBaseURL, "/"))
	if err != nil || base.Host == "" {
		slog.Warn("NewMetaClient: invalid graph base URL, using default", "url", cfg.GraphBaseURL, "error", err)
		base, _ = url.Parse(DefaultGraphBaseURL)
	}
	return &MetaClient{app: fb.New("", ""), base: base, http: cfg.HTTPClient, retry: cfg.Retry}
}

// SendPageMessage answers recipientID from a page (Instagram or Messenger).
func (c *MetaClient) SendPageMessage(ctx context.Context, pageID, accessToken, recipientID, text string) error {
	if accessToken == "" {
		return ErrNotConfigured
	}
	if pageID == "" {
		pageID = "me"
	}
	params := fb.Params{
		"messaging_type": "RESPONSE",
		"recipient":      map[string]string{"id": recipientID},
		"message":        map[string]string{"text": text},
	}
	return c.post(ctx, "meta.page", "/"+url.PathEscape(pageID)+"/messages", accessToken, params)
}

// SendCloudMessage sends a WhatsApp text from phoneNumberID.
func (c *MetaClient) SendCloudMessage(ctx context.Context, phoneNumberID, accessToken, to, text string) error {
	if accessToken == "" || phoneNumberID == "" {
		return ErrNotConfigured
	}
	params := fb.Params{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": text, "preview_url": false},
	}
	return c.post(ctx, "meta.whatsapp", "/"+url.PathEscape(phoneNumberID)+"/messages", accessToken, params)
}

// post sends params through a Graph session, retrying transport errors, 5xx
// responses and the transient Graph error codes.
func (c *MetaClient) post(ctx context.Context, name, path, accessToken string, params fb.Params) error {
	return util.Retry(ctx, name, func() error {
		tr := &graphTransport{base: c.base, client: c.http}
		session := c.app.Session(accessToken)
		session.HttpClient = tr
		session = session.WithContext(ctx)

		res, err := session.Post(path, params)
		if err == nil {
			err = res.Err()
		}
		if err == nil && tr.status >= 200 && tr.status < 300 {
			return nil
		}
		return classifyGraphError(name, tr.status, err)
	}, c.retry...)
}

// classifyGraphError wraps a failed send as an ExternalAPIError and marks
// the ones a retry cannot fix as permanent.
func classifyGraphError(name string, status int, err error) error {
	ctxInfo := map[string]any{"status": status}
	msg := http.StatusText(status)

	var graphErr *fb.Error
	switch {
	case errors.As(err, &graphErr):
		ctxInfo["metaError"] = map[string]any{"message": graphErr.Message, "type": graphErr.Type, "code": graphErr.Code, "fbtrace_id": graphErr.TraceID}
		appErr := models.ExternalAPIError("graph send failed", errors.New(graphErr.Message), ctxInfo)
		if transientGraphCodes[graphErr.Code] || status >= 500 {
			return appErr
		}
		slog.Warn("MetaClient.post: request rejected", "operation", name, "status", status, "code", graphErr.Code, "error", graphErr.Message)
		return util.Permanent(appErr)
	case status == 0:
		// No response: the transport failed.
		return models.ExternalAPIError("graph request failed", err, ctxInfo)
	case err != nil:
		msg = err.Error()
	}

	appErr := models.ExternalAPIError("graph send failed", errors.New(msg), ctxInfo)
	if status >= 500 {
		return appErr
	}
	slog.Warn("MetaClient.post: request rejected", "operation", name, "status", status, "error", msg)
	return util.Permanent(appErr)
}

// graphTransport points a Graph session at the configured base URL and
// records the response status, which the session does not expose.
type graphTransport struct {
	base   *url.URL
	client *http.Client
	status int
}

// Do implements fb.HttpClient.
func (t *graphTransport) Do(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	u := *req.URL
	u.Scheme = t.base.Scheme
	u.Host = t.base.Host
	u.Path = t.base.Path + graphVersionPrefix.ReplaceAllString(req.URL.Path, "")
	u.RawPath = ""
	out.URL = &u
	out.Host = ""

	resp, err := t.client.Do(out)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			// url.Error embeds the request URL, which may carry the token.
			err = urlErr.Err
		}
		return nil, err
	}
	t.status = resp.StatusCode
	return resp, nil
}

// Get implements fb.HttpClient.
func (t *graphTransport) Get(rawURL string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return t.Do(req)
}

// Post implements fb.HttpClient.
func (t *graphTransport) Post(rawURL, bodyType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", bodyType)
	return t.Do(req)
}

// PageSender answers users of one Instagram or Messenger page.
type PageSender struct {
	Client      *MetaClient
	PageID      string
	AccessToken string
}

// SendMessage implements Sender.
func (s PageSender) SendMessage(ctx context.Context, to string, body string) error {
	return s.Client.SendPageMessage(ctx, s.PageID, s.AccessToken, to, body)
}

// CloudSender sends WhatsApp messages through the Cloud API.
type CloudSender struct {
	Client        *MetaClient
	PhoneNumberID string
	AccessToken   string
}

// SendMessage implements Sender.
func (s CloudSender) SendMessage(ctx context.Context, to string, body string) error {
	return s.Client.SendCloudMessage(ctx, s.PhoneNumberID, s.AccessToken, to, body)
}
