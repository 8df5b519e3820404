package mockserver

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	pathAccessToken = "/api/v1/access_token"

	codeOK         = 0
	codeBadRequest = 400
	codeNotFound   = 404
	codeConflict   = 409
)

func respond(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"code":      codeOK,
		"message":   "ok",
		"data":      data,
		"x-traceID": uuid.NewString(),
	})
}

// reject answers with a business error. status is the HTTP status; the
// vendor reports most business errors on a 200.
func reject(c *gin.Context, status, code int, format string, args ...interface{}) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":      code,
		"message":   fmt.Sprintf(format, args...),
		"data":      nil,
		"x-traceID": uuid.NewString(),
	})
}

func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func (s *Server) count(c *gin.Context) {
	s.mu.Lock()
	s.calls[c.FullPath()]++
	s.mu.Unlock()
	c.Next()
}

func (s *Server) fault(c *gin.Context) {
	s.mu.Lock()
	status := 0
	if s.forced.left > 0 {
		s.forced.left--
		status = s.forced.status
	}
	s.mu.Unlock()

	switch status {
	case 0:
		c.Next()
	case http.StatusTooManyRequests:
		c.Header("Retry-After", "0")
		reject(c, status, status, "too many requests")
	default:
		reject(c, status, status, "forced failure")
	}
}

func (s *Server) requireToken(c *gin.Context) {
	if c.GetHeader("Platform") != "open_platform" {
		reject(c, http.StatusBadRequest, codeBadRequest, "missing Platform header")
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		reject(c, http.StatusUnauthorized, http.StatusUnauthorized, "missing access token")
		return
	}

	s.mu.Lock()
	expires, known := s.state.tokens[token]
	s.mu.Unlock()
	if !known || time.Now().After(expires) {
		reject(c, http.StatusUnauthorized, http.StatusUnauthorized, "access token invalid or expired")
		return
	}
	c.Next()
}

func (s *Server) accessToken(c *gin.Context) {
	var req struct {
		ClientID     string `json:"clientID"`
		ClientSecret string `json:"clientSecret"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusOK, codeBadRequest, "invalid request body: %v", err)
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		reject(c, http.StatusOK, codeBadRequest, "clientID and clientSecret are required")
		return
	}
	if s.cfg.ClientID != "" && (req.ClientID != s.cfg.ClientID || req.ClientSecret != s.cfg.ClientSecret) {
		reject(c, http.StatusOK, http.StatusUnauthorized, "invalid client credentials")
		return
	}

	token := uuid.NewString()
	expires := time.Now().Add(s.cfg.TokenLifetime)
	s.mu.Lock()
	s.state.tokens[token] = expires
	s.mu.Unlock()

	respond(c, gin.H{
		"accessToken": token,
		"expiresIn":   int64(s.cfg.TokenLifetime / time.Second),
		"expiredAt":   expires.Format(time.RFC3339),
		"tokenType":   "Bearer",
	})
}

func (s *Server) uploadDomain(c *gin.Context) {
	respond(c, []string{baseURL(c)})
}

func (s *Server) mkdir(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		ParentID int64  `json:"parentID"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		reject(c, http.StatusOK, codeBadRequest, "folder name is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.state.children(req.ParentID) {
		if e.Dir && e.Name == req.Name && !e.Trashed {
			reject(c, http.StatusOK, codeConflict, "folder %q already exists", req.Name)
			return
		}
	}
	dir := s.state.addDir(req.ParentID, req.Name)
	respond(c, gin.H{"dirID": dir.ID})
}

func (s *Server) createFile(c *gin.Context) {
	var req struct {
		ParentFileID int64  `json:"parentFileID"`
		Filename     string `json:"filename"`
		Etag         string `json:"etag"`
		Size         int64  `json:"size"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusOK, codeBadRequest, "invalid request body: %v", err)
		return
	}
	if req.Filename == "" || len(req.Etag) != 32 || req.Size < 0 {
		reject(c, http.StatusOK, codeBadRequest, "filename, etag and size are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if same, ok := s.state.reusable(strings.ToLower(req.Etag), req.Size); ok {
		e := s.state.addFile(req.ParentFileID, req.Filename, same.Data)
		respond(c, gin.H{"fileID": e.ID, "reuse": true})
		return
	}

	id := uuid.NewString()
	s.state.uploads[id] = &pendingUpload{
		ParentID:  req.ParentFileID,
		Name:      req.Filename,
		Etag:      strings.ToLower(req.Etag),
		Size:      req.Size,
		SliceSize: s.cfg.SliceSize,
		Polls:     s.cfg.PendingPolls,
	}
	respond(c, gin.H{
		"fileID":      0,
		"preuploadID": id,
		"reuse":       false,
		"sliceSize":   s.cfg.SliceSize,
		"servers":     []string{baseURL(c)},
	})
}

func readFormFile(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, err
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (s *Server) uploadSlice(c *gin.Context) {
	preuploadID := c.PostForm("preuploadID")
	sliceNo, err := strconv.Atoi(c.PostForm("sliceNo"))
	if err != nil {
		reject(c, http.StatusOK, codeBadRequest, "invalid sliceNo")
		return
	}
	data, err := readFormFile(c, "slice")
	if err != nil {
		reject(c, http.StatusOK, codeBadRequest, "missing slice: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.state.uploads[preuploadID]
	if !ok {
		reject(c, http.StatusOK, codeNotFound, "unknown preuploadID")
		return
	}
	if want := len(up.Slices) + 1; sliceNo != want {
		reject(c, http.StatusOK, codeBadRequest, "slice %d out of order, expected %d", sliceNo, want)
		return
	}
	if int64(len(data)) > up.SliceSize {
		reject(c, http.StatusOK, codeBadRequest, "slice %d larger than %d bytes", sliceNo, up.SliceSize)
		return
	}
	if got := md5Hex(data); !strings.EqualFold(got, c.PostForm("sliceMD5")) {
		reject(c, http.StatusOK, codeBadRequest, "slice %d MD5 mismatch", sliceNo)
		return
	}
	up.Slices = append(up.Slices, data)
	respond(c, nil)
}

func (s *Server) uploadComplete(c *gin.Context) {
	var req struct {
		PreuploadID string `json:"preuploadID"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		reject(c, http.StatusOK, codeBadRequest, "invalid request body: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.state.uploads[req.PreuploadID]
	if !ok {
		reject(c, http.StatusOK, codeNotFound, "unknown preuploadID")
		return
	}
	if up.FileID != 0 {
		respond(c, gin.H{"completed": true, "fileID": up.FileID})
		return
	}
	if got, want := len(up.Slices), up.expectedSlices(); got != want {
		reject(c, http.StatusOK, codeBadRequest, "received %d of %d slices", got, want)
		return
	}
	if up.Polls > 0 {
		up.Polls--
		respond(c, gin.H{"completed": false, "fileID": 0})
		return
	}

	data := up.assemble()
	if md5Hex(data) != up.Etag {
		reject(c, http.StatusOK, codeBadRequest, "assembled file does not match etag")
		return
	}
	e := s.state.addFile(up.ParentID, up.Name, data)
	up.FileID = e.ID
	up.Slices = nil
	respond(c, gin.H{"completed": true, "fileID": e.ID})
}

func (s *Server) singleCreate(c *gin.Context) {
	parentID, _ := strconv.ParseInt(c.PostForm("parentFileID"), 10, 64)
	name := c.PostForm("filename")
	etag := c.PostForm("etag")
	size, err := strconv.ParseInt(c.PostForm("size"), 10, 64)
	if err != nil || name == "" {
		reject(c, http.StatusOK, codeBadRequest, "filename and size are required")
		return
	}
	data, err := readFormFile(c, "file")
	if err != nil {
		reject(c, http.StatusOK, codeBadRequest, "missing file: %v", err)
		return
	}
	if int64(len(data)) != size {
		reject(c, http.StatusOK, codeBadRequest, "size %d does not match body of %d bytes", size, len(data))
		return
	}
	if !strings.EqualFold(md5Hex(data), etag) {
		reject(c, http.StatusOK, codeBadRequest, "etag mismatch")
		return
	}

	s.mu.Lock()
	e := s.state.addFile(parentID, name, data)
	s.mu.Unlock()
	respond(c, gin.H{"fileID": e.ID, "completed": true})
}

func (s *Server) userInfo(c *gin.Context) {
	s.mu.Lock()
	used := s.state.usedSpace()
	s.mu.Unlock()
	respond(c, gin.H{
		"uid":            1,
		"nickname":       "mock",
		"spaceUsed":      used,
		"spacePermanent": int64(2) << 40,
		"spaceTemp":      0,
		"spaceTempExpr":  0,
		"vip":            false,
		"directTraffic":  0,
		"isHideUID":      false,
	})
}

func fileJSON(e *entry) gin.H {
	kind, trashed := 0, 0
	if e.Dir {
		kind = 1
	}
	if e.Trashed {
		trashed = 1
	}
	return gin.H{
		"fileId":       e.ID,
		"filename":     e.Name,
		"type":         kind,
		"size":         e.Size,
		"etag":         e.Etag,
		"status":       0,
		"parentFileId": e.ParentID,
		"category":     0,
		"trashed":      trashed,
		"createAt":     e.Created.Format("2006-01-02 15:04:05"),
	}
}

func (s *Server) listFiles(c *gin.Context) {
	parentID, _ := strconv.ParseInt(c.Query("parentFileId"), 10, 64)
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit < 1 || limit > 100 {
		reject(c, http.StatusOK, codeBadRequest, "limit must be between 1 and 100")
		return
	}
	after, _ := strconv.ParseInt(c.Query("lastFileId"), 10, 64)
	search := c.Query("searchData")

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*entry
	for _, e := range s.state.children(parentID) {
		if e.ID <= after {
			continue
		}
		if search != "" && !strings.Contains(e.Name, search) {
			continue
		}
		matched = append(matched, e)
	}

	last := int64(-1)
	if len(matched) > limit {
		matched = matched[:limit]
		last = matched[limit-1].ID
	}
	list := make([]gin.H, 0, len(matched))
	for _, e := range matched {
		list = append(list, fileJSON(e))
	}
	respond(c, gin.H{"lastFileId": last, "fileList": list})
}

func (s *Server) fileInfos(c *gin.Context) {
	var req struct {
		FileIDs []int64 `json:"fileIds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.FileIDs) == 0 {
		reject(c, http.StatusOK, codeBadRequest, "fileIds is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]gin.H, 0, len(req.FileIDs))
	for _, id := range req.FileIDs {
		if e, ok := s.state.entries[id]; ok {
			list = append(list, fileJSON(e))
		}
	}
	respond(c, gin.H{"list": list})
}

func (s *Server) downloadInfo(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Query("fileId"), 10, 64)

	s.mu.Lock()
	e, ok := s.state.entries[id]
	s.mu.Unlock()
	if !ok || e.Dir {
		reject(c, http.StatusOK, codeNotFound, "file %d not found", id)
		return
	}
	respond(c, gin.H{"downloadUrl": fmt.Sprintf("%s/download/%d", baseURL(c), id)})
}

func (s *Server) trash(c *gin.Context) {
	var req struct {
		FileIDs []int64 `json:"fileIDs"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.FileIDs) == 0 {
		reject(c, http.StatusOK, codeBadRequest, "fileIDs is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range req.FileIDs {
		if e, ok := s.state.entries[id]; ok {
			e.Trashed = true
		}
	}
	respond(c, nil)
}

func (s *Server) offlineDownload(c *gin.Context) {
	var req struct {
		URL      string `json:"url"`
		FileName string `json:"fileName"`
		DirID    int64  `json:"dirID"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		reject(c, http.StatusOK, codeBadRequest, "url is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.state.id()
	s.state.offline[id] = &offlineTask{ID: id, URL: req.URL, DirID: req.DirID, FileName: req.FileName, Polls: 1, Created: time.Now()}
	respond(c, gin.H{"taskID": id})
}

func (s *Server) offlineProcess(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Query("taskID"), 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.state.offline[id]
	if !ok {
		reject(c, http.StatusOK, codeNotFound, "task %d not found", id)
		return
	}
	if task.Paused {
		respond(c, gin.H{"process": 50, "status": 0})
		return
	}
	if task.Polls > 0 {
		task.Polls--
		respond(c, gin.H{"process": 50, "status": 0})
		return
	}
	respond(c, gin.H{"process": 100, "status": 2})
}

func (s *Server) offlineList(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 || limit < 1 || limit > 100 {
		reject(c, http.StatusOK, codeBadRequest, "invalid page %d or limit %d", page, limit)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.state.offline))
	for id := range s.state.offline {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	list := []gin.H{}
	for i := (page - 1) * limit; i < len(ids) && len(list) < limit; i++ {
		list = append(list, s.state.offline[ids[i]].detail())
	}
	respond(c, gin.H{"list": list, "total": len(ids), "page": page, "limit": limit})
}

// offlineTaskFor resolves the :id route parameter. It replies itself when the
// task does not exist. Callers hold s.mu.
func (s *Server) offlineTaskFor(c *gin.Context) (*offlineTask, bool) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	task, ok := s.state.offline[id]
	if !ok {
		reject(c, http.StatusOK, codeNotFound, "task %d not found", id)
	}
	return task, ok
}

func (s *Server) offlineInfo(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.offlineTaskFor(c); ok {
		respond(c, task.detail())
	}
}

func (s *Server) offlineDelete(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.offlineTaskFor(c); ok {
		delete(s.state.offline, task.ID)
		respond(c, nil)
	}
}

func (s *Server) offlinePause(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.offlineTaskFor(c)
	if !ok {
		return
	}
	if task.Paused || task.Polls == 0 {
		reject(c, http.StatusOK, codeConflict, "task %d is not running", task.ID)
		return
	}
	task.Paused = true
	respond(c, nil)
}

func (s *Server) offlineResume(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.offlineTaskFor(c)
	if !ok {
		return
	}
	if !task.Paused {
		reject(c, http.StatusOK, codeConflict, "task %d is not paused", task.ID)
		return
	}
	task.Paused = false
	respond(c, nil)
}

func (s *Server) download(c *gin.Context) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	data, ok := s.FileContent(id)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}
