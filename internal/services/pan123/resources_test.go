package pan123

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedCall struct {
	Method string
	Path   string
	Query  map[string]string
	Body   map[string]interface{}
}

// recorder captures every call and answers via respond.
type recorder struct {
	mu      sync.Mutex
	calls   []recordedCall
	respond func(call recordedCall, n int) (int, string)
}

func (rec *recorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		call := recordedCall{Method: r.Method, Path: r.URL.Path, Query: map[string]string{}}
		for k := range r.URL.Query() {
			call.Query[k] = r.URL.Query().Get(k)
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &call.Body); err != nil {
					t.Errorf("decode request body: %v", err)
				}
			}
		}

		rec.mu.Lock()
		rec.calls = append(rec.calls, call)
		n := len(rec.calls)
		rec.mu.Unlock()

		status, body := 200, `{"code":0,"message":"ok","data":null}`
		if rec.respond != nil {
			status, body = rec.respond(call, n)
		}
		writeEnvelope(w, status, body)
	}
}

func (rec *recorder) all() []recordedCall {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]recordedCall(nil), rec.calls...)
}

func newRecorderEnv(t *testing.T, respond func(call recordedCall, n int) (int, string)) (*testEnv, *recorder) {
	rec := &recorder{respond: respond}
	return newTestEnv(t, rec.handler(t)), rec
}

func TestCreateFolder(t *testing.T) {
	env, rec := newRecorderEnv(t, func(recordedCall, int) (int, string) {
		return 200, `{"code":0,"data":{"dirID":555}}`
	})

	id, err := env.client.CreateFolder(context.Background(), 12, "photos")
	require.NoError(t, err)
	assert.Equal(t, int64(555), id)

	calls := rec.all()
	require.Len(t, calls, 1)
	assert.Equal(t, pathMkdir, calls[0].Path)
	assert.Equal(t, "photos", calls[0].Body["name"])
	assert.EqualValues(t, 12, calls[0].Body["parentID"])
}

func TestCreateFolderRejectsBadNames(t *testing.T) {
	env, rec := newRecorderEnv(t, nil)
	for _, name := range []string{"", "   ", "a/b", "what?", strings.Repeat("x", 256)} {
		_, err := env.client.CreateFolder(context.Background(), 0, name)
		assert.Error(t, err, "name %q", name)
	}
	assert.Empty(t, rec.all())
}

func TestListFilesCapsLimit(t *testing.T) {
	env, rec := newRecorderEnv(t, func(recordedCall, int) (int, string) {
		return 200, `{"code":0,"data":{"lastFileId":-1,"fileList":[{"fileId":1,"filename":"a","type":1},{"fileId":2,"filename":"b.txt","type":0,"size":10}]}}`
	})

	list, err := env.client.ListFiles(context.Background(), ListFilesParams{ParentFileID: 3, Limit: 500, LastFileID: 77})
	require.NoError(t, err)
	assert.Equal(t, int64(LastPage), list.LastFileID)
	require.Len(t, list.Files, 2)
	assert.True(t, list.Files[0].IsDir())
	assert.False(t, list.Files[1].IsDir())

	q := rec.all()[0].Query
	assert.Equal(t, "100", q["limit"])
	assert.Equal(t, "3", q["parentFileId"])
	assert.Equal(t, "77", q["lastFileId"])
	_, hasSearch := q["searchData"]
	assert.False(t, hasSearch)
}

func TestListFilesRequiresLimit(t *testing.T) {
	env, rec := newRecorderEnv(t, nil)
	_, err := env.client.ListFiles(context.Background(), ListFilesParams{ParentFileID: 0})
	assert.Error(t, err)
	assert.Empty(t, rec.all())
}

func TestFileInfosNormalizesJoinedIDs(t *testing.T) {
	env, rec := newRecorderEnv(t, func(recordedCall, int) (int, string) {
		return 200, `{"code":0,"data":{}}`
	})

	files, err := env.client.FileInfos(context.Background(), JoinedIDs("4, 5,6"))
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.NotNil(t, files)
	assert.Equal(t, []interface{}{4.0, 5.0, 6.0}, rec.all()[0].Body["fileIds"])
}

func TestRenameBatchesOfTwenty(t *testing.T) {
	env, rec := newRecorderEnv(t, func(call recordedCall, n int) (int, string) {
		if n == 2 {
			return 200, `{"code":1,"message":"batch rejected"}`
		}
		entries := call.Body["renameList"].([]interface{})
		var ok []string
		for _, e := range entries {
			id := strings.SplitN(e.(string), "|", 2)[0]
			ok = append(ok, fmt.Sprintf(`{"fileID":%s,"updateAt":"now"}`, id))
		}
		return 200, `{"code":0,"data":{"successList":[` + strings.Join(ok, ",") + `],"failList":[]}}`
	})

	items := make([]RenameItem, 45)
	for i := range items {
		items[i] = RenameItem{FileID: int64(i + 1), NewName: fmt.Sprintf("file-%d", i+1)}
	}

	res, err := env.client.Rename(context.Background(), items)
	require.NoError(t, err)

	calls := rec.all()
	require.Len(t, calls, 3)
	assert.Len(t, calls[0].Body["renameList"], 20)
	assert.Len(t, calls[1].Body["renameList"], 20)
	assert.Len(t, calls[2].Body["renameList"], 5)
	assert.Equal(t, "1|file-1", calls[0].Body["renameList"].([]interface{})[0])

	assert.Len(t, res.SuccessList, 25)
	require.Len(t, res.FailList, 20)
	assert.Equal(t, int64(21), res.FailList[0].FileID)
	assert.Contains(t, res.FailList[0].Message, "batch rejected")
}

func TestTrashAndDeleteBatchesOfHundred(t *testing.T) {
	env, rec := newRecorderEnv(t, nil)

	ids := make([]int64, 250)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	require.NoError(t, env.client.Trash(context.Background(), IDs(ids...)))
	require.NoError(t, env.client.Delete(context.Background(), IDs(1, 2)))

	calls := rec.all()
	require.Len(t, calls, 4)
	for _, c := range calls[:3] {
		assert.Equal(t, pathTrash, c.Path)
	}
	assert.Len(t, calls[0].Body["fileIDs"], 100)
	assert.Len(t, calls[1].Body["fileIDs"], 100)
	assert.Len(t, calls[2].Body["fileIDs"], 50)
	assert.Equal(t, pathDelete, calls[3].Path)
}

func TestMoveStopsAtFirstFailingBatch(t *testing.T) {
	env, rec := newRecorderEnv(t, func(_ recordedCall, n int) (int, string) {
		if n == 1 {
			return 200, `{"code":1,"message":"target missing"}`
		}
		return 200, `{"code":0}`
	})

	ids := make([]int64, 150)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	err := env.client.Move(context.Background(), IDs(ids...), 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target missing")

	calls := rec.all()
	require.Len(t, calls, 1)
	assert.EqualValues(t, 9, calls[0].Body["toParentFileID"])
}

func TestInvalidIDsFailBeforeNetwork(t *testing.T) {
	env, rec := newRecorderEnv(t, nil)
	assert.Error(t, env.client.Trash(context.Background(), JoinedIDs("1,abc")))
	assert.Error(t, env.client.Trash(context.Background(), IDs()))
	assert.Error(t, env.client.Move(context.Background(), IDs(0), 1))
	assert.Empty(t, rec.all())
}

func TestDownloadInfo(t *testing.T) {
	env, rec := newRecorderEnv(t, func(recordedCall, int) (int, string) {
		return 200, `{"code":0,"data":{"downloadUrl":"https://dl.example/f"}}`
	})

	u, err := env.client.DownloadInfo(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "https://dl.example/f", u)
	assert.Equal(t, "42", rec.all()[0].Query["fileId"])
}

func TestCreateShare(t *testing.T) {
	env, rec := newRecorderEnv(t, func(recordedCall, int) (int, string) {
		return 200, `{"code":0,"data":{"shareID":8,"shareKey":"k8"}}`
	})

	share, err := env.client.CreateShare(context.Background(), ShareParams{
		ShareName:   "docs",
		ShareExpire: 7,
		Files:       IDs(1, 2, 3),
		SharePwd:    "abcd",
	})
	require.NoError(t, err)
	assert.Equal(t, "k8", share.ShareKey)

	body := rec.all()[0].Body
	assert.Equal(t, "1,2,3", body["fileIDList"])
	assert.EqualValues(t, 7, body["shareExpire"])
	assert.Equal(t, "abcd", body["sharePwd"])
	_, hasTraffic := body["trafficSwitch"]
	assert.False(t, hasTraffic)
}

func TestCreateShareValidation(t *testing.T) {
	tooMany := make([]int64, 101)
	for i := range tooMany {
		tooMany[i] = int64(i + 1)
	}

	tests := []struct {
		name   string
		params ShareParams
	}{
		{name: "bad expire", params: ShareParams{ShareName: "a", ShareExpire: 3, Files: IDs(1)}},
		{name: "no files", params: ShareParams{ShareName: "a", Files: IDs()}},
		{name: "too many files", params: ShareParams{ShareName: "a", Files: IDs(tooMany...)}},
		{name: "bad joined ids", params: ShareParams{ShareName: "a", Files: JoinedIDs("1,x")}},
		{name: "long name", params: ShareParams{ShareName: strings.Repeat("n", 35), Files: IDs(1)}},
	}

	env, rec := newRecorderEnv(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.client.CreateShare(context.Background(), tt.params)
			assert.Error(t, err)
		})
	}
	assert.Empty(t, rec.all())
}

func TestCreatePaidShare(t *testing.T) {
	env, rec := newRecorderEnv(t, func(recordedCall, int) (int, string) {
		return 200, `{"code":0,"data":{"shareID":9,"shareKey":"paid"}}`
	})

	_, err := env.client.CreatePaidShare(context.Background(), PaidShareParams{ShareName: "x", Files: IDs(1), PayAmount: 1001})
	assert.Error(t, err)
	assert.Empty(t, rec.all())

	share, err := env.client.CreatePaidShare(context.Background(), PaidShareParams{
		ShareName: "x",
		Files:     JoinedIDs("5,6"),
		PayAmount: 10,
		IsReward:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(9), share.ShareID)
	body := rec.all()[0].Body
	assert.Equal(t, "5,6", body["fileIDList"])
	assert.EqualValues(t, 1, body["isReward"])
}

func TestBatchCreateOfflineTasksAggregatesFailures(t *testing.T) {
	env, rec := newRecorderEnv(t, func(call recordedCall, n int) (int, string) {
		if strings.Contains(call.Body["url"].(string), "bad") {
			return 200, `{"code":1,"message":"unsupported link"}`
		}
		return 200, fmt.Sprintf(`{"code":0,"data":{"taskID":%d}}`, 100+n)
	})

	tasks, err := env.client.BatchCreateOfflineTasks(context.Background(), []string{
		"https://example.com/a.iso",
		"https://example.com/bad.iso",
		"https://example.com/c.iso",
		"not a url",
	}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, err.Error(), "unsupported link")

	require.Len(t, tasks, 2)
	assert.Equal(t, int64(101), tasks[0].TaskID)
	assert.Equal(t, "https://example.com/a.iso", tasks[0].URL)
	assert.Equal(t, int64(103), tasks[1].TaskID)
	assert.Len(t, rec.all(), 3, "invalid URLs never reach the server")
}

func TestOfflineProgress(t *testing.T) {
	env, rec := newRecorderEnv(t, func(recordedCall, int) (int, string) {
		return 200, `{"code":0,"data":{"process":100,"status":2}}`
	})

	p, err := env.client.OfflineProgress(context.Background(), 77)
	require.NoError(t, err)
	assert.True(t, p.Finished())
	assert.Equal(t, "77", rec.all()[0].Query["taskID"])
}

func TestListOfflineTasks(t *testing.T) {
	env, rec := newRecorderEnv(t, func(recordedCall, int) (int, string) {
		return 200, `{"code":0,"data":{"list":[{"taskID":5,"taskName":"a.iso","taskUrl":"https://example.com/a.iso","taskStatus":"paused","progress":40}],"total":1,"page":2,"limit":10}}`
	})

	page, err := env.client.ListOfflineTasks(context.Background(), ListOfflineTasksParams{Page: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.List, 1)
	assert.Equal(t, int64(5), page.List[0].TaskID)
	assert.Equal(t, TaskPaused, page.List[0].Status)
	assert.Equal(t, 1, page.Total)

	call := rec.all()[0]
	assert.Equal(t, http.MethodGet, call.Method)
	assert.Equal(t, "/api/v1/offline/list", call.Path)
	assert.Equal(t, map[string]string{"page": "2", "limit": "10"}, call.Query)

	_, err = env.client.ListOfflineTasks(context.Background(), ListOfflineTasksParams{})
	require.NoError(t, err)
	assert.Empty(t, rec.all()[1].Query)
}

func TestListOfflineTasksValidation(t *testing.T) {
	env, rec := newRecorderEnv(t, nil)

	for _, p := range []ListOfflineTasksParams{{Page: -1}, {Limit: -5}, {Limit: MaxOfflinePageSize + 1}} {
		_, err := env.client.ListOfflineTasks(context.Background(), p)
		assert.Error(t, err, "%+v", p)
	}
	assert.Empty(t, rec.all())
}

func TestOfflineTaskActions(t *testing.T) {
	env, rec := newRecorderEnv(t, func(call recordedCall, n int) (int, string) {
		if strings.HasPrefix(call.Path, "/api/v1/offline/info/") {
			return 200, `{"code":0,"data":{"taskID":9,"taskStatus":"downloading","progress":12.5}}`
		}
		return 200, `{"code":0,"data":null}`
	})
	ctx := context.Background()

	info, err := env.client.OfflineTaskInfo(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, TaskDownloading, info.Status)
	assert.Equal(t, 12.5, info.Progress)

	require.NoError(t, env.client.PauseOfflineTask(ctx, 9))
	require.NoError(t, env.client.ResumeOfflineTask(ctx, 9))
	require.NoError(t, env.client.DeleteOfflineTask(ctx, 9))

	calls := rec.all()
	require.Len(t, calls, 4)
	got := make([]string, len(calls))
	for i, c := range calls {
		got[i] = c.Method + " " + c.Path
	}
	assert.Equal(t, []string{
		"GET /api/v1/offline/info/9",
		"POST /api/v1/offline/pause/9",
		"POST /api/v1/offline/resume/9",
		"DELETE /api/v1/offline/delete/9",
	}, got)
}

func TestOfflineTaskActionsRejectBadIDs(t *testing.T) {
	env, rec := newRecorderEnv(t, nil)
	ctx := context.Background()

	_, err := env.client.OfflineTaskInfo(ctx, 0)
	assert.Error(t, err)
	assert.Error(t, env.client.DeleteOfflineTask(ctx, -1))
	assert.Error(t, env.client.PauseOfflineTask(ctx, 0))
	assert.Error(t, env.client.ResumeOfflineTask(ctx, 0))
	assert.Empty(t, rec.all())
}

func TestIDList(t *testing.T) {
	joined, err := IDs(3, 1, 2).Joined()
	require.NoError(t, err)
	assert.Equal(t, "3,1,2", joined)

	values, err := JoinedIDs(" 7 ,, 8 ").Values()
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, values)

	_, err = JoinedIDs("7,-1").Values()
	assert.Error(t, err)
	_, err = IDs(5, 0).Joined()
	assert.Error(t, err)
	assert.Error(t, JoinedIDs(" , ").Validate())
}
