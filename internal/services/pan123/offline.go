package pan123

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

const (
	pathOfflineDownload = "/api/v1/offline/download"
	pathOfflineProcess  = "/api/v1/offline/download/process"
	pathOfflineList     = "/api/v1/offline/list"
	pathOfflineInfo     = "/api/v1/offline/info/"
	pathOfflineDelete   = "/api/v1/offline/delete/"
	pathOfflinePause    = "/api/v1/offline/pause/"
	pathOfflineResume   = "/api/v1/offline/resume/"
)

// MaxOfflinePageSize bounds ListOfflineTasksParams.Limit.
const MaxOfflinePageSize = 100

// Offline task states reported by OfflineProgress.
const (
	OfflineRunning = 0
	OfflineFailed  = 1
	OfflineDone    = 2
	OfflineRetry   = 3
)

// OfflineTaskParams asks the server to fetch a URL into the drive.
type OfflineTaskParams struct {
	URL         string
	FileName    string
	DirID       int64
	CallBackURL string
}

// Validate checks the params before any network call.
func (p OfflineTaskParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.URL, validation.Required, is.URL),
		validation.Field(&p.DirID, validation.Min(int64(0))),
		validation.Field(&p.CallBackURL, is.URL),
	)
}

// OfflineTask identifies a created offline download.
type OfflineTask struct {
	TaskID int64  `json:"taskID"`
	URL    string `json:"-"`
}

// CreateOfflineTask starts an offline download.
func (c *Client) CreateOfflineTask(ctx context.Context, p OfflineTaskParams) (*OfflineTask, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid offline task params: %w", err)
	}

	body := map[string]interface{}{"url": p.URL}
	if p.FileName != "" {
		body["fileName"] = p.FileName
	}
	if p.DirID != 0 {
		body["dirID"] = p.DirID
	}
	if p.CallBackURL != "" {
		body["callBackUrl"] = p.CallBackURL
	}

	var out OfflineTask
	if err := c.post(ctx, pathOfflineDownload, body, &out); err != nil {
		return nil, err
	}
	out.URL = p.URL
	return &out, nil
}

// BatchCreateOfflineTasks creates one task per URL, in order. It returns the
// tasks that were created together with an aggregate of the failures.
func (c *Client) BatchCreateOfflineTasks(ctx context.Context, urls []string, dirID int64) ([]OfflineTask, error) {
	var (
		tasks  []OfflineTask
		result *multierror.Error
	)
	for _, u := range urls {
		if ctx.Err() != nil {
			result = multierror.Append(result, ctx.Err())
			break
		}
		task, err := c.CreateOfflineTask(ctx, OfflineTaskParams{URL: u, DirID: dirID})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", u, err))
			continue
		}
		tasks = append(tasks, *task)
	}
	if result != nil {
		c.log.WithFields(logrus.Fields{
			"created": len(tasks),
			"failed":  len(result.Errors),
		}).Warn("Some offline tasks could not be created")
	}
	return tasks, result.ErrorOrNil()
}

// OfflineProgress is the state of one offline download.
type OfflineProgress struct {
	Process float64 `json:"process"`
	Status  int     `json:"status"`
}

// Finished reports whether the task reached a terminal state.
func (p OfflineProgress) Finished() bool {
	return p.Status == OfflineFailed || p.Status == OfflineDone
}

// OfflineProgress returns the progress of an offline download.
func (c *Client) OfflineProgress(ctx context.Context, taskID int64) (*OfflineProgress, error) {
	if taskID <= 0 {
		return nil, fmt.Errorf("invalid task ID %d", taskID)
	}
	q := url.Values{}
	q.Set("taskID", strconv.FormatInt(taskID, 10))

	var out OfflineProgress
	if err := c.get(ctx, pathOfflineProcess, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Offline task states reported by ListOfflineTasks and OfflineTaskInfo.
const (
	TaskPending     = "pending"
	TaskDownloading = "downloading"
	TaskCompleted   = "completed"
	TaskFailed      = "failed"
	TaskPaused      = "paused"
)

// OfflineTaskDetail describes an offline download as listed by the server.
type OfflineTaskDetail struct {
	TaskID        int64   `json:"taskID"`
	Name          string  `json:"taskName"`
	URL           string  `json:"taskUrl"`
	Status        string  `json:"taskStatus"`
	Progress      float64 `json:"progress"`
	FileSize      int64   `json:"fileSize"`
	DownloadSpeed int64   `json:"downloadSpeed"`
	CreateTime    string  `json:"createTime"`
	CompleteTime  string  `json:"completeTime"`
	ErrorMessage  string  `json:"errorMessage"`
}

// ListOfflineTasksParams selects a page of offline tasks. Zero values leave
// the choice to the server.
type ListOfflineTasksParams struct {
	Page  int
	Limit int
}

// Validate checks the params before any network call.
func (p ListOfflineTasksParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Page, validation.Min(0)),
		validation.Field(&p.Limit, validation.Min(0), validation.Max(MaxOfflinePageSize)),
	)
}

// OfflineTaskPage is one page of offline tasks.
type OfflineTaskPage struct {
	List  []OfflineTaskDetail `json:"list"`
	Total int                 `json:"total"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
}

// ListOfflineTasks returns a page of the account's offline tasks.
func (c *Client) ListOfflineTasks(ctx context.Context, p ListOfflineTasksParams) (*OfflineTaskPage, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid offline list params: %w", err)
	}
	q := url.Values{}
	if p.Page > 0 {
		q.Set("page", strconv.Itoa(p.Page))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}

	var out OfflineTaskPage
	if err := c.get(ctx, pathOfflineList, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OfflineTaskInfo returns the details of one offline task.
func (c *Client) OfflineTaskInfo(ctx context.Context, taskID int64) (*OfflineTaskDetail, error) {
	if taskID <= 0 {
		return nil, fmt.Errorf("invalid task ID %d", taskID)
	}
	var out OfflineTaskDetail
	if err := c.get(ctx, pathOfflineInfo+strconv.FormatInt(taskID, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteOfflineTask removes an offline task.
func (c *Client) DeleteOfflineTask(ctx context.Context, taskID int64) error {
	return c.offlineAction(ctx, http.MethodDelete, pathOfflineDelete, taskID)
}

// PauseOfflineTask suspends a running offline task.
func (c *Client) PauseOfflineTask(ctx context.Context, taskID int64) error {
	return c.offlineAction(ctx, http.MethodPost, pathOfflinePause, taskID)
}

// ResumeOfflineTask continues a paused offline task.
func (c *Client) ResumeOfflineTask(ctx context.Context, taskID int64) error {
	return c.offlineAction(ctx, http.MethodPost, pathOfflineResume, taskID)
}

func (c *Client) offlineAction(ctx context.Context, method, prefix string, taskID int64) error {
	if taskID <= 0 {
		return fmt.Errorf("invalid task ID %d", taskID)
	}
	return c.call(ctx, method, prefix+strconv.FormatInt(taskID, 10), nil, nil, nil)
}
