package pan123

import "context"

// ClientAPI defines the methods required to interact with 123pan.
// It mirrors the concrete client so it can be mocked in tests.
type ClientAPI interface {
	UserInfo(ctx context.Context) (*UserInfo, error)

	CreateFolder(ctx context.Context, parentID int64, name string) (int64, error)
	CreateFile(ctx context.Context, p CreateFileParams) (*CreateFileResult, error)
	UploadSlice(ctx context.Context, server string, p SliceParams) error
	UploadComplete(ctx context.Context, preuploadID string) (*CompleteResult, error)
	QueryUploadResult(ctx context.Context, preuploadID string) (*CompleteResult, error)
	GetUploadDomain(ctx context.Context) ([]string, error)
	SingleUpload(ctx context.Context, server string, p SingleUploadParams) (*SingleUploadResult, error)

	ListFiles(ctx context.Context, p ListFilesParams) (*FileList, error)
	FileInfos(ctx context.Context, ids IDList) ([]File, error)
	Rename(ctx context.Context, items []RenameItem) (*RenameResult, error)
	Trash(ctx context.Context, ids IDList) error
	Delete(ctx context.Context, ids IDList) error
	Move(ctx context.Context, ids IDList, toParentFileID int64) error
	DownloadInfo(ctx context.Context, fileID int64) (string, error)

	CreateShare(ctx context.Context, p ShareParams) (*Share, error)
	CreatePaidShare(ctx context.Context, p PaidShareParams) (*Share, error)

	CreateOfflineTask(ctx context.Context, p OfflineTaskParams) (*OfflineTask, error)
	BatchCreateOfflineTasks(ctx context.Context, urls []string, dirID int64) ([]OfflineTask, error)
	OfflineProgress(ctx context.Context, taskID int64) (*OfflineProgress, error)
	ListOfflineTasks(ctx context.Context, p ListOfflineTasksParams) (*OfflineTaskPage, error)
	OfflineTaskInfo(ctx context.Context, taskID int64) (*OfflineTaskDetail, error)
	DeleteOfflineTask(ctx context.Context, taskID int64) error
	PauseOfflineTask(ctx context.Context, taskID int64) error
	ResumeOfflineTask(ctx context.Context, taskID int64) error
}
