package pan123

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	pathFileList     = "/api/v2/file/list"
	pathFileInfos    = "/api/v1/file/infos"
	pathRename       = "/api/v1/file/rename"
	pathTrash        = "/api/v1/file/trash"
	pathDelete       = "/api/v1/file/delete"
	pathMove         = "/api/v1/file/move"
	pathDownloadInfo = "/api/v1/file/download_info"

	maxListLimit    = 100
	renameBatchSize = 20
	idBatchSize     = 100

	// LastPage is the lastFileId value marking the end of a listing.
	LastPage = -1
)

// File is an entry in a directory listing.
type File struct {
	FileID       int64  `json:"fileId"`
	Filename     string `json:"filename"`
	Type         int    `json:"type"`
	Size         int64  `json:"size"`
	Etag         string `json:"etag"`
	Status       int    `json:"status"`
	ParentFileID int64  `json:"parentFileId"`
	Category     int    `json:"category"`
	Trashed      int    `json:"trashed"`
	CreateAt     string `json:"createAt,omitempty"`
	UpdateAt     string `json:"updateAt,omitempty"`
}

// IsDir reports whether the entry is a folder.
func (f File) IsDir() bool {
	return f.Type == 1
}

// ListFilesParams selects one page of a directory.
type ListFilesParams struct {
	ParentFileID int64
	Limit        int
	SearchData   string
	SearchMode   int
	LastFileID   int64
}

// FileList is one page of results. LastFileID is LastPage on the final page.
type FileList struct {
	LastFileID int64  `json:"lastFileId"`
	Files      []File `json:"fileList"`
}

// ListFiles returns one page of a directory. Limit is capped at 100.
func (c *Client) ListFiles(ctx context.Context, p ListFilesParams) (*FileList, error) {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.ParentFileID, validation.Min(int64(0))),
		validation.Field(&p.Limit, validation.Required, validation.Min(1)),
		validation.Field(&p.SearchMode, validation.In(0, 1)),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid list params: %w", err)
	}

	limit := p.Limit
	if limit > maxListLimit {
		limit = maxListLimit
	}
	q := url.Values{}
	q.Set("parentFileId", strconv.FormatInt(p.ParentFileID, 10))
	q.Set("limit", strconv.Itoa(limit))
	if p.SearchData != "" {
		q.Set("searchData", p.SearchData)
		q.Set("searchMode", strconv.Itoa(p.SearchMode))
	}
	if p.LastFileID != 0 {
		q.Set("lastFileId", strconv.FormatInt(p.LastFileID, 10))
	}

	var out FileList
	if err := c.get(ctx, pathFileList, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FileInfos returns details for the given files.
func (c *Client) FileInfos(ctx context.Context, ids IDList) ([]File, error) {
	if err := ids.Validate(); err != nil {
		return nil, fmt.Errorf("invalid file IDs: %w", err)
	}
	values, _ := ids.Values()

	var out struct {
		List []File `json:"list"`
	}
	if err := c.post(ctx, pathFileInfos, map[string]interface{}{"fileIds": values}, &out); err != nil {
		return nil, err
	}
	if out.List == nil {
		out.List = []File{}
	}
	return out.List, nil
}

// RenameItem renames one file.
type RenameItem struct {
	FileID  int64
	NewName string
}

// RenameSuccess is a renamed file.
type RenameSuccess struct {
	FileID   int64  `json:"fileID"`
	UpdateAt string `json:"updateAt"`
}

// RenameFailure is a file that kept its name.
type RenameFailure struct {
	FileID  int64  `json:"fileID"`
	Message string `json:"message"`
}

// RenameResult merges the outcome of every batch.
type RenameResult struct {
	SuccessList []RenameSuccess `json:"successList"`
	FailList    []RenameFailure `json:"failList"`
}

// Rename renames files in batches of 20. A batch the server rejects as a
// whole marks each of its items failed and the remaining batches still run.
// Only context cancellation aborts early.
func (c *Client) Rename(ctx context.Context, items []RenameItem) (*RenameResult, error) {
	if len(items) == 0 {
		return nil, errors.New("rename list is empty")
	}
	for _, it := range items {
		if it.FileID <= 0 {
			return nil, fmt.Errorf("invalid file ID %d", it.FileID)
		}
		if err := validation.Validate(it.NewName, validation.Length(1, 255), filenameRule(false)); err != nil {
			return nil, fmt.Errorf("invalid name for file %d: %w", it.FileID, err)
		}
	}

	result := &RenameResult{SuccessList: []RenameSuccess{}, FailList: []RenameFailure{}}
	for start := 0; start < len(items); start += renameBatchSize {
		end := start + renameBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		entries := make([]string, len(batch))
		for i, it := range batch {
			entries[i] = strconv.FormatInt(it.FileID, 10) + "|" + it.NewName
		}

		var out RenameResult
		err := c.post(ctx, pathRename, map[string]interface{}{"renameList": entries}, &out)
		if err != nil {
			if ctx.Err() != nil {
				return result, err
			}
			c.log.WithError(err).WithField("batch_size", len(batch)).Warn("Rename batch failed")
			for _, it := range batch {
				result.FailList = append(result.FailList, RenameFailure{FileID: it.FileID, Message: err.Error()})
			}
			continue
		}
		result.SuccessList = append(result.SuccessList, out.SuccessList...)
		result.FailList = append(result.FailList, out.FailList...)
	}
	return result, nil
}

// Trash moves files to the recycle bin in batches of 100, stopping at the
// first failing batch.
func (c *Client) Trash(ctx context.Context, ids IDList) error {
	return c.batchIDs(ctx, pathTrash, ids, nil)
}

// Delete permanently removes files, which must already be in the recycle bin.
func (c *Client) Delete(ctx context.Context, ids IDList) error {
	return c.batchIDs(ctx, pathDelete, ids, nil)
}

// Move moves files under a new parent in batches of 100.
func (c *Client) Move(ctx context.Context, ids IDList, toParentFileID int64) error {
	if toParentFileID < 0 {
		return fmt.Errorf("invalid target parent ID %d", toParentFileID)
	}
	return c.batchIDs(ctx, pathMove, ids, map[string]interface{}{"toParentFileID": toParentFileID})
}

func (c *Client) batchIDs(ctx context.Context, path string, ids IDList, extra map[string]interface{}) error {
	if err := ids.Validate(); err != nil {
		return fmt.Errorf("invalid file IDs: %w", err)
	}
	values, _ := ids.Values()

	for i, batch := range chunkIDs(values, idBatchSize) {
		body := map[string]interface{}{"fileIDs": batch}
		for k, v := range extra {
			body[k] = v
		}
		if err := c.post(ctx, path, body, nil); err != nil {
			return fmt.Errorf("%s batch %d: %w", strings.TrimPrefix(path, "/api/v1/file/"), i+1, err)
		}
	}
	return nil
}

// DownloadInfo returns a download URL for a file.
func (c *Client) DownloadInfo(ctx context.Context, fileID int64) (string, error) {
	if fileID <= 0 {
		return "", fmt.Errorf("invalid file ID %d", fileID)
	}
	q := url.Values{}
	q.Set("fileId", strconv.FormatInt(fileID, 10))

	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := c.get(ctx, pathDownloadInfo, q, &out); err != nil {
		return "", err
	}
	return out.DownloadURL, nil
}
