// Package compute is the HTTP client for the external inference cluster.
// Jobs are submitted with a callback URL; results are collected later by
// fetching the job manifest and downloading its output files.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/errors"
	"github.com/arvela/insight-go/internal/logging"
)

// Package-level logger specific to the compute service
var (
	logger          *slog.Logger
	serviceLevelVar = new(slog.LevelVar)
	closeLogger     func() error
)

func init() {
	var err error
	logFilePath := filepath.Join("logs", "compute.log")
	serviceLevelVar.Set(slog.LevelInfo)

	logger, closeLogger, err = logging.NewFileLogger(logFilePath, "compute", serviceLevelVar)
	if err != nil {
		log.Printf("Failed to initialize compute file logger at %s: %v. Using fallback.", logFilePath, err)
		fbHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: serviceLevelVar})
		logger = slog.New(fbHandler).With("service", "compute")
		closeLogger = func() error { return nil }
	}
}

// Submitter is the compute cluster surface used by the orchestrator and the
// callback processor.
type Submitter interface {
	// Submit uploads the input file and enqueues a job. Returns the
	// cluster-assigned job id.
	Submit(ctx context.Context, req *SubmitRequest) (string, error)
	// FetchJob retrieves the job manifest, including task_output once the
	// job has completed.
	FetchJob(ctx context.Context, jobID string) (*Job, error)
	// DownloadFile streams one named output file of a job to dest.
	DownloadFile(ctx context.Context, jobID, fileName string, dest io.Writer) error
}

// Client implements Submitter against the cluster's HTTP API.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewClient creates a compute client from the service settings.
func NewClient(settings *conf.Settings) (*Client, error) {
	if settings.Compute.BaseURL == "" {
		return nil, errors.Newf("compute base URL is required").
			Category(errors.CategoryConfiguration).
			Component("compute").
			Build()
	}

	client := &Client{
		baseURL:  settings.Compute.BaseURL,
		apiToken: settings.Compute.APIToken,
		httpClient: &http.Client{
			Timeout: settings.ComputeTimeout(),
		},
	}

	logger.Info("compute client initialized",
		"base_url", client.baseURL,
		"timeout", settings.ComputeTimeout(),
		"auth_configured", client.apiToken != "")

	return client, nil
}

// Close cleans up client resources.
func (c *Client) Close() {
	if closeLogger != nil {
		if err := closeLogger(); err != nil {
			log.Printf("Error closing compute logger: %v", err)
		}
	}
}

// Submit uploads the input file and enqueues a job of req.TaskType. The
// request carries a correlation id so cluster-side logs can be matched to
// ours.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	requestID := uuid.New().String()
	started := time.Now()

	file, err := os.Open(req.FilePath)
	if err != nil {
		return "", errors.New(err).
			Component("compute").
			Category(errors.CategoryFileIO).
			Context("operation", "submit").
			Context("file_path", req.FilePath).
			Build()
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		var werr error
		defer func() { pw.CloseWithError(werr) }()

		if werr = writer.WriteField("task_type", req.TaskType); werr != nil {
			return
		}
		if werr = writer.WriteField("callback_url", req.CallbackURL); werr != nil {
			return
		}
		for key, value := range req.Params {
			if werr = writer.WriteField(key, value); werr != nil {
				return
			}
		}
		var part io.Writer
		if part, werr = writer.CreateFormFile("file", filepath.Base(req.FilePath)); werr != nil {
			return
		}
		if _, werr = io.Copy(part, file); werr != nil {
			return
		}
		werr = writer.Close()
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs", pr)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("X-Request-ID", requestID)
	c.setAuth(httpReq)

	logger.Debug("submitting job",
		"request_id", requestID,
		"task_type", req.TaskType,
		"file", filepath.Base(req.FilePath))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", c.netErr(err, "submit", requestID, started)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted {
		return "", c.statusErr(resp, "submit", requestID, started)
	}

	var submitResp SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return "", errors.New(err).
			Component("compute").
			Category(errors.CategoryHTTP).
			Context("operation", "submit_decode").
			Context("request_id", requestID).
			Build()
	}
	if submitResp.JobID == "" {
		return "", errors.Newf("compute response missing job_id").
			Component("compute").
			Category(errors.CategoryHTTP).
			Context("request_id", requestID).
			Build()
	}

	logger.Info("job submitted",
		"request_id", requestID,
		"task_type", req.TaskType,
		"job_id", submitResp.JobID)

	return submitResp.JobID, nil
}

// FetchJob retrieves the job manifest for jobID.
func (c *Client) FetchJob(ctx context.Context, jobID string) (*Job, error) {
	requestID := uuid.New().String()
	started := time.Now()

	endpoint := fmt.Sprintf("%s/api/v1/jobs/%s", c.baseURL, url.PathEscape(jobID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-Request-ID", requestID)
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.netErr(err, "fetch_job", requestID, started)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Newf("job %s not found on compute cluster", jobID).
			Component("compute").
			Category(errors.CategoryNotFound).
			Context("job_id", jobID).
			Build()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusErr(resp, "fetch_job", requestID, started)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, errors.New(err).
			Component("compute").
			Category(errors.CategoryHTTP).
			Context("operation", "fetch_job_decode").
			Context("job_id", jobID).
			Build()
	}
	return &job, nil
}

// DownloadFile streams one named output file of a completed job to dest.
func (c *Client) DownloadFile(ctx context.Context, jobID, fileName string, dest io.Writer) error {
	requestID := uuid.New().String()
	started := time.Now()

	endpoint := fmt.Sprintf("%s/api/v1/jobs/%s/files/%s",
		c.baseURL, url.PathEscape(jobID), url.PathEscape(fileName))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	httpReq.Header.Set("X-Request-ID", requestID)
	c.setAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.netErr(err, "download_file", requestID, started)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.statusErr(resp, "download_file", requestID, started)
	}

	if _, err := io.Copy(dest, resp.Body); err != nil {
		return errors.New(err).
			Component("compute").
			Category(errors.CategoryNetwork).
			Context("operation", "download_file").
			Context("job_id", jobID).
			Context("file_name", fileName).
			Build()
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

func (c *Client) netErr(err error, operation, requestID string, started time.Time) error {
	logger.Error("compute request failed",
		"operation", operation,
		"request_id", requestID,
		"duration", time.Since(started),
		"error", err)
	return errors.New(err).
		Component("compute").
		Category(errors.CategoryNetwork).
		Timing(operation, time.Since(started)).
		Context("request_id", requestID).
		Build()
}

func (c *Client) statusErr(resp *http.Response, operation, requestID string, started time.Time) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	logger.Error("compute request rejected",
		"operation", operation,
		"request_id", requestID,
		"status", resp.StatusCode,
		"body", string(body))
	return errors.Newf("compute returned status %d", resp.StatusCode).
		Component("compute").
		Category(errors.CategoryHTTP).
		Timing(operation, time.Since(started)).
		Context("request_id", requestID).
		Context("status_code", resp.StatusCode).
		Build()
}
