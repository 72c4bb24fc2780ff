package fleetagent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const collectorTimeout = 15 * time.Second

// CollectorClient talks to the central telemetry collector. All calls are
// meant to be best-effort at the call site; the client itself still reports
// errors so callers can log them.
type CollectorClient struct {
	baseURL  string
	apiKey   string
	serverID string
	http     *http.Client
}

// Message types accepted by the collector's send_message endpoint.
const (
	MessageLog   = "log"
	MessageError = "error"
)

// Command statuses reported back through command_result.
const (
	CommandDone  = "done"
	CommandError = "error"
)

// Command is one pending remote instruction for a device, as the collector
// hands it out. Params is kept raw because its shape depends on the command.
type Command struct {
	ID      int64           `json:"id"`
	Name    string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
	Status  string          `json:"status,omitempty"`
	Created string          `json:"created_at,omitempty"`
}

// ParamsText renders Params for command handlers that expect a plain string,
// unquoting a JSON string and passing anything else through verbatim.
func (c Command) ParamsText() string {
	if len(c.Params) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Params, &s); err == nil {
		return s
	}
	return string(c.Params)
}

// NewCollectorClient returns nil when no collector URL is configured, so
// call sites can treat a missing collector uniformly.
func NewCollectorClient(cfg CollectorConfig) *CollectorClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil
	}
	return &CollectorClient{
		baseURL:  base,
		apiKey:   cfg.APIKey,
		serverID: cfg.ServerID,
		http:     &http.Client{Timeout: collectorTimeout},
	}
}

// UploadScreenshot posts one capture with its grouping metadata.
func (c *CollectorClient) UploadScreenshot(ctx context.Context, device Device, section string, image []byte) error {
	if c == nil {
		return errors.New("collector: client is nil")
	}
	if len(image) == 0 {
		return errors.New("collector: empty image")
	}

	meta, err := json.Marshal(map[string]string{
		"captured_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.Wrap(err, "collector: encode meta")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	_ = writer.WriteField("server_id", c.serverID)
	_ = writer.WriteField("window", device.Window)
	_ = writer.WriteField("device_id", device.ID)
	_ = writer.WriteField("section", section)
	_ = writer.WriteField("meta", string(meta))
	part, err := writer.CreateFormFile("image", device.SafeID()+"_"+section+".png")
	if err != nil {
		_ = writer.Close()
		return errors.Wrap(err, "collector: create image field")
	}
	if _, err := io.Copy(part, bytes.NewReader(image)); err != nil {
		_ = writer.Close()
		return errors.Wrap(err, "collector: write image field")
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "collector: finalize multipart payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload_screenshot", &body)
	if err != nil {
		return errors.Wrap(err, "collector: build upload request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(req)
}

// SendMessage posts one typed log line for a device, attributed to this
// server. msgType is MessageLog or MessageError.
func (c *CollectorClient) SendMessage(ctx context.Context, deviceID, msgType, text string) error {
	if c == nil {
		return errors.New("collector: client is nil")
	}
	payload, err := json.Marshal(map[string]string{
		"server_id": c.serverID,
		"device_id": deviceID,
		"type":      msgType,
		"message":   text,
	})
	if err != nil {
		return errors.Wrap(err, "collector: encode message")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/send_message", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "collector: build message request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// GetCommands fetches the pending remote commands for one device.
func (c *CollectorClient) GetCommands(ctx context.Context, deviceID string) ([]Command, error) {
	if c == nil {
		return nil, errors.New("collector: client is nil")
	}
	q := url.Values{}
	q.Set("server_id", c.serverID)
	q.Set("device_id", deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/get_commands?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "collector: build commands request")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "collector: fetch commands")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "collector: read commands response")
	}
	if resp.StatusCode >= 400 {
		return nil, errors.Errorf("collector: commands http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed struct {
		Commands []Command `json:"commands"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "collector: decode commands response")
	}
	return parsed.Commands, nil
}

// ConfirmCommand reports the outcome of one executed remote command. status
// is CommandDone or CommandError; result carries the command output.
func (c *CollectorClient) ConfirmCommand(ctx context.Context, commandID int64, status, result string) error {
	if c == nil {
		return errors.New("collector: client is nil")
	}
	body := map[string]any{
		"command_id": commandID,
		"status":     status,
	}
	if result != "" {
		body["result"] = result
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "collector: encode command result")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/command_result", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "collector: build command result request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *CollectorClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do sends the request and treats any HTTP error status as a failure,
// discarding the body except for the error message.
func (c *CollectorClient) do(req *http.Request) error {
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "collector: execute request")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("collector: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
