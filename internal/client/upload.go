package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/inercia/fundchat/internal/conversation"
	"github.com/inercia/fundchat/internal/logging"
)

// ErrNoFiles is returned by Upload when the request names no files.
var ErrNoFiles = errors.New("no files to upload")

// UploadRequest describes one document upload.
type UploadRequest struct {
	// CollectionID names the backend collection the documents are indexed into.
	// A random one is generated when empty.
	CollectionID string
	// Settings is sent as JSON in the "settings" form field.
	Settings any
	// Files are local paths.
	Files []string
}

// UploadResult is what the backend extracted from the uploaded documents.
type UploadResult struct {
	FundName     string                      `json:"fund_name"`
	FundOverview []conversation.OverviewItem `json:"fund_overview"`

	// Filled in by the client.
	Documents    []string `json:"-"`
	CollectionID string   `json:"-"`
}

// Apply attaches the uploaded documents to c. The backend indexed them into
// a fresh collection, so earlier turns no longer apply and are dropped.
func (r UploadResult) Apply(c conversation.Conversation) conversation.Conversation {
	out := c.Clone()
	out.Documents = append([]string{}, r.Documents...)
	out.FundName = r.FundName
	out.FundOverview = append([]conversation.OverviewItem(nil), r.FundOverview...)
	out.CollectionID = r.CollectionID
	out.Messages = []conversation.Turn{}
	return out
}

// Upload sends the files as a multipart form and waits for the backend to
// index them. The body is streamed so large documents are not buffered.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	log := logging.Upload()

	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}
	for _, p := range req.Files {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("upload: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("upload: %s is a directory", p)
		}
	}

	if req.CollectionID == "" {
		req.CollectionID = uuid.NewString()
	}

	settings, err := json.Marshal(req.Settings)
	if err != nil {
		return nil, fmt.Errorf("upload: marshal settings: %w", err)
	}

	endpoint, err := c.UploadURL()
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, req.CollectionID, settings, req.Files))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("upload: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	log.Debug("uploading documents",
		"endpoint", endpoint,
		"collection_id", req.CollectionID,
		"files", len(req.Files))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upload: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("upload: decode: %w", err)
	}
	result.FundName = strings.TrimSpace(result.FundName)
	result.CollectionID = req.CollectionID
	result.Documents = make([]string, len(req.Files))
	for i, p := range req.Files {
		result.Documents[i] = filepath.Base(p)
	}

	log.Info("documents uploaded",
		"collection_id", req.CollectionID,
		"fund_name", result.FundName,
		"overview_items", len(result.FundOverview))
	return &result, nil
}

func writeForm(mw *multipart.Writer, collectionID string, settings []byte, files []string) error {
	if err := mw.WriteField("session_id", collectionID); err != nil {
		return err
	}
	if err := mw.WriteField("settings", string(settings)); err != nil {
		return err
	}
	for _, p := range files {
		if err := copyFile(mw, p); err != nil {
			return err
		}
	}
	return mw.Close()
}

func copyFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
