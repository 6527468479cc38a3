package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/evtc-relay/pkg/types"
)

// field is one text part of a multipart form.
type field struct {
	name, value string
}

// openLog opens the log and returns it with its size.
func openLog(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", types.ErrLogUnreadable, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %v", types.ErrLogUnreadable, err)
	}
	if st.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("%w: %s is a directory", types.ErrLogUnreadable, path)
	}
	return f, st.Size(), nil
}

// postMultipart streams fields followed by the file part "file" to url.
// The file is closed when the body has been written.
func postMultipart(ctx context.Context, client *http.Client, url string, fields []field, f *os.File, secret string, logger *slog.Logger) types.HTTPOutcome {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		err := writeParts(mw, fields, f)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.CloseWithError(err)
		return types.HTTPOutcome{Err: classifyError(err, secret)}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return types.HTTPOutcome{Err: classifyError(err, secret)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return types.HTTPOutcome{Err: classifyError(err, secret)}
	}
	logger.Debug("upload response", "status", resp.StatusCode, "bytes", len(body))
	return types.HTTPOutcome{StatusCode: resp.StatusCode, Body: body}
}

func writeParts(mw *multipart.Writer, fields []field, f *os.File) error {
	for _, fl := range fields {
		if err := mw.WriteField(fl.name, fl.value); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(f.Name()))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
