package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"waschedule/internal/config"

	"github.com/useinsider/go-pkg/inslogger"
)

const CodeSuccess = "SUCCESS"

// Result is the normalized outcome of one gateway call. A non-SUCCESS code
// means delivery failed; transport errors are folded into the same shape so
// callers never have to distinguish "gateway said no" from "gateway
// unreachable".
type Result struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Results json.RawMessage `json:"results,omitempty"`
}

func (r Result) Success() bool {
	return r.Code == CodeSuccess
}

func (r Result) Raw() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{"code":"ERROR","message":"unencodable gateway result"}`)
	}
	return b
}

func errorResult(format string, args ...any) Result {
	return Result{Code: "ERROR", Message: fmt.Sprintf(format, args...)}
}

// Sender is what the delivery worker depends on; substituted in tests.
type Sender interface {
	SendText(ctx context.Context, phone, message string) Result
	SendImage(ctx context.Context, phone, imagePath, caption string) Result
}

type Client struct {
	baseURL     string
	user        string
	password    string
	textClient  *http.Client
	imageClient *http.Client
	logger      inslogger.Interface
}

func NewClient(cfg *config.GatewayConfig, logger inslogger.Interface) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		user:        cfg.User,
		password:    cfg.Password,
		textClient:  &http.Client{Timeout: cfg.TextTimeout},
		imageClient: &http.Client{Timeout: cfg.ImageTimeout},
		logger:      logger,
	}
}

type textPayload struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (c *Client) SendText(ctx context.Context, phone, message string) Result {
	body, err := json.Marshal(textPayload{Phone: phone, Message: message})
	if err != nil {
		return errorResult("failed to marshal payload: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send/message", bytes.NewReader(body))
	if err != nil {
		return errorResult("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(c.textClient, req)
}

func (c *Client) SendImage(ctx context.Context, phone, imagePath, caption string) Result {
	f, err := os.Open(imagePath)
	if err != nil {
		c.logger.Warnf("Image file not found: %s", imagePath)
		return errorResult("image file not found: %s", imagePath)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return errorResult("failed to build multipart body: %v", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return errorResult("failed to read image: %v", err)
	}
	_ = mw.WriteField("phone", phone)
	_ = mw.WriteField("caption", caption)
	if err := mw.Close(); err != nil {
		return errorResult("failed to build multipart body: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send/image", &buf)
	if err != nil {
		return errorResult("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.do(c.imageClient, req)
}

func (c *Client) do(client *http.Client, req *http.Request) Result {
	if c.user != "" && c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := client.Do(req)
	if err != nil {
		c.logger.Errorf("Gateway request failed: %v", err)
		return errorResult("gateway request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Errorf("Gateway returned status %d: %s", resp.StatusCode, string(body))
		return errorResult("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return errorResult("failed to decode gateway response: %v body=%q", err, string(body))
	}
	return res
}
