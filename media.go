package chatsync

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
	"strings"
	"time"
)

// MaxUploadSize bounds a single image upload.
const MaxUploadSize = 10 * 1024 * 1024

// HTTPUploader uploads images to an unsigned-preset media endpoint
// (Cloudinary's /image/upload contract): a multipart form with file,
// upload_preset and folder, answered with {"secure_url": ...}.
type HTTPUploader struct {
	URL        string
	Preset     string
	HTTPClient *http.Client
}

var _ MediaUploader = (*HTTPUploader)(nil)

// NewHTTPUploader creates an uploader posting to url with the given preset.
func NewHTTPUploader(url, preset string) *HTTPUploader {
	return &HTTPUploader{
		URL:        url,
		Preset:     preset,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	URL       string `json:"url"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Upload reads the file behind localURI and returns its remote URL. Only
// file:// URIs and bare paths can be read from this process.
func (u *HTTPUploader) Upload(ctx context.Context, localURI, folder string) (string, error) {
	path, err := localPath(localURI)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) > MaxUploadSize {
		return "", fmt.Errorf("file exceeds maximum size of %d MB", MaxUploadSize/(1024*1024))
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if u.Preset != "" {
		_ = w.WriteField("upload_preset", u.Preset)
	}
	if folder != "" {
		_ = w.WriteField("folder", folder)
	}
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	client := u.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("upload rejected: %s", out.Error.Message)
	}
	if out.SecureURL != "" {
		return out.SecureURL, nil
	}
	if out.URL != "" {
		return out.URL, nil
	}
	return "", fmt.Errorf("upload response has no url")
}

func localPath(uri string) (string, error) {
	if strings.HasPrefix(uri, "file://") {
		return strings.TrimPrefix(uri, "file://"), nil
	}
	if !strings.Contains(uri, "://") && !strings.Contains(uri, ":") {
		return uri, nil
	}
	return "", fmt.Errorf("cannot read %q from this process", uri)
}
