package fleetagent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewCollectorClientRequiresURL(t *testing.T) {
	if c := NewCollectorClient(CollectorConfig{}); c != nil {
		t.Fatal("client built without a URL")
	}
	if c := NewCollectorClient(CollectorConfig{URL: "  "}); c != nil {
		t.Fatal("client built from a blank URL")
	}
}

func TestUploadScreenshotMultipartFields(t *testing.T) {
	var (
		gotAuth   string
		gotFields map[string]string
		gotImage  []byte
		gotPath   string
		gotFile   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parsing multipart: %v", err)
			return
		}
		gotFields = map[string]string{}
		for key, values := range r.MultipartForm.Value {
			gotFields[key] = values[0]
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("image field: %v", err)
			return
		}
		defer file.Close()
		gotFile = header.Filename
		gotImage, _ = io.ReadAll(file)
	}))
	defer srv.Close()

	client := NewCollectorClient(CollectorConfig{URL: srv.URL, APIKey: "secret", ServerID: "srv-7"})
	dev := Device{ID: "10.0.0.1:5555", Window: "main"}
	if err := client.UploadScreenshot(context.Background(), dev, "popup", []byte("png-bytes")); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if gotPath != "/upload_screenshot" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth = %q", gotAuth)
	}
	for key, want := range map[string]string{
		"server_id": "srv-7",
		"window":    "main",
		"device_id": "10.0.0.1:5555",
		"section":   "popup",
	} {
		if gotFields[key] != want {
			t.Fatalf("field %s = %q, want %q", key, gotFields[key], want)
		}
	}
	if gotFields["meta"] == "" {
		t.Fatal("meta field missing")
	}
	if string(gotImage) != "png-bytes" {
		t.Fatalf("image = %q", gotImage)
	}
	if gotFile != "10.0.0.1_5555_popup.png" {
		t.Fatalf("filename = %q", gotFile)
	}
}

func TestUploadScreenshotHTTPErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewCollectorClient(CollectorConfig{URL: srv.URL})
	err := client.UploadScreenshot(context.Background(), Device{ID: "d1"}, "main", []byte("x"))
	if err == nil {
		t.Fatal("403 response must surface as an error")
	}
}

func TestGetCommandsAndConfirm(t *testing.T) {
	var confirmed map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/get_commands":
			if r.URL.Query().Get("device_id") != "d1" {
				t.Errorf("device_id = %q", r.URL.Query().Get("device_id"))
			}
			_, _ = w.Write([]byte(`{"commands":[
				{"id":7,"command":"screencap","params":{},"status":"pending","created_at":"2026-08-28 10:00:00"},
				{"id":8,"command":"echo","params":"ping","status":"pending","created_at":"2026-08-28 10:00:01"}
			]}`))
		case "/api/command_result":
			_ = json.NewDecoder(r.Body).Decode(&confirmed)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewCollectorClient(CollectorConfig{URL: srv.URL, ServerID: "srv-7"})
	ctx := context.Background()

	commands, err := client.GetCommands(ctx, "d1")
	if err != nil {
		t.Fatalf("get commands: %v", err)
	}
	if len(commands) != 2 {
		t.Fatalf("commands = %+v", commands)
	}
	if commands[0].ID != 7 || commands[0].Name != "screencap" {
		t.Fatalf("first command = %+v", commands[0])
	}
	if commands[1].ParamsText() != "ping" {
		t.Fatalf("params text = %q", commands[1].ParamsText())
	}

	if err := client.ConfirmCommand(ctx, commands[0].ID, CommandDone, "screenshot uploaded"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed["command_id"] != float64(7) || confirmed["status"] != "done" || confirmed["result"] != "screenshot uploaded" {
		t.Fatalf("confirmed payload = %v", confirmed)
	}
}

func TestConfirmCommandOmitsEmptyResult(t *testing.T) {
	var confirmed map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&confirmed)
	}))
	defer srv.Close()

	client := NewCollectorClient(CollectorConfig{URL: srv.URL})
	if err := client.ConfirmCommand(context.Background(), 9, CommandDone, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, present := confirmed["result"]; present {
		t.Fatalf("empty result must be omitted: %v", confirmed)
	}
}

func TestSendMessage(t *testing.T) {
	var payload map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send_message" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer srv.Close()

	client := NewCollectorClient(CollectorConfig{URL: srv.URL, ServerID: "srv-7"})
	if err := client.SendMessage(context.Background(), "d1", MessageError, "ban detected on device d1"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if payload["server_id"] != "srv-7" || payload["device_id"] != "d1" {
		t.Fatalf("payload = %v", payload)
	}
	if payload["type"] != "error" || payload["message"] != "ban detected on device d1" {
		t.Fatalf("payload = %v", payload)
	}
}
