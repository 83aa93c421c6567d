package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FuncResponse is the value a function run resolves to, with transport
// hints for the API layer.
type FuncResponse struct {
	Data        any
	ContentType string
	StatusCode  int
	Headers     map[string]string
	FilePath    string
	RedirectURL string
	DownloadAs  string
	AllowRaw    bool
	LargeData   bool
}

// NewFuncResponse wraps a plain return value.
func NewFuncResponse(data any) *FuncResponse {
	return &FuncResponse{Data: data}
}

// NewFuncResponseFile responds with a file from the resource folder.
func NewFuncResponseFile(filePath string) *FuncResponse {
	return &FuncResponse{FilePath: filePath}
}

// NewFuncResponseLargeData responds with a payload large enough to be
// cached as a file instead of carried inline.
func NewFuncResponseLargeData(data any, contentType string) *FuncResponse {
	if contentType == "" {
		contentType = "json"
	}
	return &FuncResponse{Data: data, ContentType: contentType, LargeData: true}
}

// NewFuncRedirect responds with a redirect.
func NewFuncRedirect(url string) *FuncResponse {
	return &FuncResponse{RedirectURL: url, StatusCode: 302}
}

// ResponseControl is the serialized transport hint block recorded with
// the function result.
func (r *FuncResponse) ResponseControl() map[string]any {
	ctrl := map[string]any{}
	if r.ContentType != "" {
		ctrl["contentType"] = r.ContentType
	}
	if r.StatusCode != 0 {
		ctrl["statusCode"] = r.StatusCode
	}
	if len(r.Headers) > 0 {
		ctrl["headers"] = r.Headers
	}
	if r.FilePath != "" {
		ctrl["filePath"] = r.FilePath
	}
	if r.RedirectURL != "" {
		ctrl["redirectURL"] = r.RedirectURL
	}
	if r.DownloadAs != "" {
		ctrl["downloadAs"] = r.DownloadAs
	}
	if r.AllowRaw {
		ctrl["allow365"] = true
	}
	return ctrl
}

// CacheToFile spills large-data responses into the resource folder so
// the response itself stays small. The timestamp prefix lets AutoClean
// collect expired spills.
func (r *FuncResponse) CacheToFile(resourceRoot string, cacheExpires float64) error {
	if !r.LargeData {
		return nil
	}

	expireAt := time.Now().Unix() + int64(cacheExpires)
	name := fmt.Sprintf("%d_%d.dat", expireAt, time.Now().UnixNano())
	dir := filepath.Join(resourceRoot, ".tmp")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	path := filepath.Join(dir, name)
	payload := fmt.Sprintf("%v", r.Data)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		return fmt.Errorf("cache response to file: %w", err)
	}

	r.FilePath = path
	r.Data = nil
	return nil
}
