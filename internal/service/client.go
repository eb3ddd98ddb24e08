package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

const (
	uploadPath  = "api/v1/sweeps"
	contentType = "application/json"
)

// RepoUploader publishes the results of finished sweeps to a repository
// server.
type RepoUploader struct {
	requestURL *url.URL
	client     *http.Client
	token      string
}

func NewRepoUploader(serverURL string, auth model.Auth) (*RepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}

	parsedURL.Path = uploadPath

	c := &RepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{},
	}
	switch auth.Type {
	case model.AuthTypeNone, "":
	case model.AuthTypeStaticToken:
		if auth.Token == "" {
			return nil, errors.New("static_token auth requires a token")
		}
		c.token = auth.Token
	default:
		return nil, fmt.Errorf("unsupported auth type %q", auth.Type)
	}

	return c, nil
}

func (c *RepoUploader) Upload(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	createResp, err := c.decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "sweep uploaded successfully.",
		slog.String("id", createResp.ID),
		slog.Int("version", createResp.Version))

	return nil
}

type CreateResponse struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (c *RepoUploader) decodeUploadResponse(resp *http.Response) (CreateResponse, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return CreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if contentType != "application/json" {
			return CreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var cr CreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if cr.ID == "" || cr.Version == 0 {
			return CreateResponse{}, errors.New("received unexpected body")
		}
		return cr, nil

	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return CreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return CreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return CreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
