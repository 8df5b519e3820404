package pan123

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	pathMkdir          = "/upload/v1/file/mkdir"
	pathCreateFile     = "/upload/v2/file/create"
	pathUploadComplete = "/upload/v2/file/upload_complete"
	pathUploadDomain   = "/upload/v2/file/domain"
	pathSlice          = "/upload/v2/file/slice"
	pathSingleCreate   = "/upload/v2/file/single/create"

	// DuplicateKeepBoth renames the new file when the name is taken.
	DuplicateKeepBoth = 1
	// DuplicateOverwrite replaces the existing file.
	DuplicateOverwrite = 2
)

var (
	md5Hex         = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	forbiddenChars = `"\:*?|><`
)

func filenameRule(containDir bool) validation.Rule {
	return validation.By(func(value interface{}) error {
		name, _ := value.(string)
		if strings.TrimSpace(name) == "" {
			return errors.New("must not be blank")
		}
		bad := forbiddenChars
		if !containDir {
			bad += "/"
		}
		if strings.ContainsAny(name, bad) {
			return fmt.Errorf("must not contain any of %s", bad)
		}
		return nil
	})
}

// CreateFolder creates a directory and returns its ID.
func (c *Client) CreateFolder(ctx context.Context, parentID int64, name string) (int64, error) {
	if err := validation.Validate(name, validation.Length(1, 255), filenameRule(false)); err != nil {
		return 0, fmt.Errorf("invalid folder name: %w", err)
	}
	if err := validation.Validate(parentID, validation.Min(int64(0))); err != nil {
		return 0, fmt.Errorf("invalid parent ID: %w", err)
	}

	var out struct {
		DirID int64 `json:"dirID"`
	}
	err := c.post(ctx, pathMkdir, map[string]interface{}{
		"name":     name,
		"parentID": parentID,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.DirID, nil
}

// CreateFileParams describes the file announced to the create endpoint.
type CreateFileParams struct {
	ParentFileID int64  `json:"parentFileID"`
	Filename     string `json:"filename"`
	Etag         string `json:"etag"`
	Size         int64  `json:"size"`
	Duplicate    int    `json:"duplicate,omitempty"`
	ContainDir   bool   `json:"containDir,omitempty"`
}

// Validate checks the params before any network call.
func (p CreateFileParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ParentFileID, validation.Min(int64(0))),
		validation.Field(&p.Filename, validation.Length(1, 255), filenameRule(p.ContainDir)),
		validation.Field(&p.Etag, validation.Required, validation.Match(md5Hex)),
		validation.Field(&p.Size, validation.Min(int64(0))),
		validation.Field(&p.Duplicate, validation.In(0, DuplicateKeepBoth, DuplicateOverwrite)),
	)
}

// CreateFileResult is either an instant transfer (Reuse with FileID) or a
// preupload session.
type CreateFileResult struct {
	FileID      int64    `json:"fileID"`
	PreuploadID string   `json:"preuploadID"`
	Reuse       bool     `json:"reuse"`
	SliceSize   int64    `json:"sliceSize"`
	Servers     []string `json:"servers"`
}

// CreateFile announces a multipart upload.
func (c *Client) CreateFile(ctx context.Context, p CreateFileParams) (*CreateFileResult, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid create file params: %w", err)
	}
	var out CreateFileResult
	if err := c.post(ctx, pathCreateFile, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SliceParams is one slice of a multipart upload.
type SliceParams struct {
	PreuploadID string
	SliceNo     int
	SliceMD5    string
	Data        []byte
	// OnProgress receives request body bytes sent so far and the body size.
	OnProgress func(sent, total int64)
}

// Validate checks the slice before it is sent.
func (p SliceParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PreuploadID, validation.Required),
		validation.Field(&p.SliceNo, validation.Min(1)),
		validation.Field(&p.SliceMD5, validation.Required, validation.Match(md5Hex)),
	)
}

// UploadSlice sends one slice to an upload server.
func (c *Client) UploadSlice(ctx context.Context, server string, p SliceParams) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid slice params: %w", err)
	}
	if server == "" {
		return errors.New("upload server is required")
	}

	fields := []formField{
		{name: "preuploadID", value: p.PreuploadID},
		{name: "sliceNo", value: strconv.Itoa(p.SliceNo)},
		{name: "sliceMD5", value: p.SliceMD5},
	}
	file := formFile{
		field:    "slice",
		filename: fmt.Sprintf("slice_%d", p.SliceNo),
		data:     p.Data,
	}
	return c.postForm(ctx, strings.TrimRight(server, "/")+pathSlice, fields, file, p.OnProgress, nil)
}

// CompleteResult reports whether the server finished assembling the file.
type CompleteResult struct {
	Completed bool  `json:"completed"`
	FileID    int64 `json:"fileID"`
}

// UploadComplete closes a preupload session.
func (c *Client) UploadComplete(ctx context.Context, preuploadID string) (*CompleteResult, error) {
	if err := validation.Validate(preuploadID, validation.Required); err != nil {
		return nil, fmt.Errorf("invalid preupload ID: %w", err)
	}
	var out CompleteResult
	if err := c.post(ctx, pathUploadComplete, map[string]string{"preuploadID": preuploadID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryUploadResult asks again for the outcome of an async upload.
func (c *Client) QueryUploadResult(ctx context.Context, preuploadID string) (*CompleteResult, error) {
	return c.UploadComplete(ctx, preuploadID)
}

// GetUploadDomain lists upload server base URLs.
func (c *Client) GetUploadDomain(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.get(ctx, pathUploadDomain, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SingleUploadParams describes a one-shot upload.
type SingleUploadParams struct {
	ParentFileID int64
	Filename     string
	Etag         string
	Data         []byte
	Duplicate    int
	ContainDir   bool
	OnProgress   func(sent, total int64)
}

// Validate checks the params before any network call.
func (p SingleUploadParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ParentFileID, validation.Min(int64(0))),
		validation.Field(&p.Filename, validation.Length(1, 255), filenameRule(p.ContainDir)),
		validation.Field(&p.Etag, validation.Required, validation.Match(md5Hex)),
		validation.Field(&p.Duplicate, validation.In(0, DuplicateKeepBoth, DuplicateOverwrite)),
	)
}

// SingleUploadResult is the outcome of a one-shot upload.
type SingleUploadResult struct {
	FileID    int64 `json:"fileID"`
	Completed bool  `json:"completed"`
}

// SingleUpload sends a whole file in one multipart/form-data request.
func (c *Client) SingleUpload(ctx context.Context, server string, p SingleUploadParams) (*SingleUploadResult, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid single upload params: %w", err)
	}
	if server == "" {
		return nil, errors.New("upload server is required")
	}

	fields := []formField{
		{name: "parentFileID", value: strconv.FormatInt(p.ParentFileID, 10)},
		{name: "filename", value: p.Filename},
		{name: "etag", value: p.Etag},
		{name: "size", value: strconv.Itoa(len(p.Data))},
	}
	if p.Duplicate != 0 {
		fields = append(fields, formField{name: "duplicate", value: strconv.Itoa(p.Duplicate)})
	}
	if p.ContainDir {
		fields = append(fields, formField{name: "containDir", value: "true"})
	}

	var out SingleUploadResult
	file := formFile{field: "file", filename: p.Filename, data: p.Data}
	if err := c.postForm(ctx, strings.TrimRight(server, "/")+pathSingleCreate, fields, file, p.OnProgress, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
