package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func seedBlob(t *testing.T, store BlobStore, patientID, fileName, contentType, content string) *BlobMetadata {
	t.Helper()
	meta := BlobMetadata{
		FileName:    fileName,
		ContentType: contentType,
		PatientID:   patientID,
		CreatedBy:   "test-user",
	}
	result, err := store.Upload(context.Background(), meta, strings.NewReader(content))
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return result
}

// storesUnderTest runs the same suite against both backends.
func storesUnderTest(t *testing.T) map[string]BlobStore {
	t.Helper()
	fs, err := NewFSBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("fs store: %v", err)
	}
	return map[string]BlobStore{
		"memory": NewInMemoryBlobStore(),
		"fs":     fs,
	}
}

func TestBlobStoreUploadDownload(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			content := "fake dicom bytes"
			meta := seedBlob(t, store, "P00001", "chest.dcm", "application/dicom", content)

			if meta.ID == "" {
				t.Fatal("no id assigned")
			}
			if meta.Size != int64(len(content)) {
				t.Errorf("size = %d", meta.Size)
			}
			wantHash := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
			if meta.Hash != wantHash {
				t.Errorf("hash = %s", meta.Hash)
			}
			if meta.CreatedAt.IsZero() {
				t.Error("created_at not set")
			}

			rc, got, err := store.Download(context.Background(), meta.ID)
			if err != nil {
				t.Fatalf("download: %v", err)
			}
			defer rc.Close()
			data, err := io.ReadAll(rc)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != content {
				t.Errorf("content = %q", data)
			}
			if got.FileName != "chest.dcm" || got.PatientID != "P00001" {
				t.Errorf("metadata = %+v", got)
			}
		})
	}
}

func TestBlobStoreValidation(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()

	_, err := store.Upload(ctx, BlobMetadata{ContentType: "image/png"}, strings.NewReader("x"))
	if !errors.Is(err, ErrMissingFileName) {
		t.Errorf("missing name: %v", err)
	}

	_, err = store.Upload(ctx,
		BlobMetadata{FileName: "notes.txt", ContentType: "text/plain"},
		strings.NewReader("x"))
	if !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("bad content type: %v", err)
	}
}

func TestBlobStoreDelete(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			meta := seedBlob(t, store, "P00001", "knee.png", "image/png", "png bytes")

			if err := store.Delete(ctx, meta.ID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.GetMetadata(ctx, meta.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("metadata after delete: %v", err)
			}
			if err := store.Delete(ctx, meta.ID); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("double delete: %v", err)
			}
		})
	}
}

func TestBlobStoreListByPatient(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedBlob(t, store, "P00001", "a.png", "image/png", "a")
			seedBlob(t, store, "P00001", "b.png", "image/png", "b")
			seedBlob(t, store, "P00002", "c.png", "image/png", "c")

			items, total, err := store.ListByPatient(ctx, "P00001", 10, 0)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if total != 2 || len(items) != 2 {
				t.Errorf("total=%d len=%d", total, len(items))
			}

			page, total, err := store.ListByPatient(ctx, "P00001", 1, 1)
			if err != nil {
				t.Fatal(err)
			}
			if total != 2 || len(page) != 1 {
				t.Errorf("paged: total=%d len=%d", total, len(page))
			}

			none, total, err := store.ListByPatient(ctx, "P99999", 10, 0)
			if err != nil {
				t.Fatal(err)
			}
			if total != 0 || len(none) != 0 {
				t.Errorf("unknown patient: total=%d len=%d", total, len(none))
			}
		})
	}
}

func TestFSBlobStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSBlobStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	meta := seedBlob(t, store, "P00001", "chest.png", "image/png", "persisted")

	reopened, err := NewFSBlobStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	rc, got, err := reopened.Download(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("download after reopen: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "persisted" || got.FileName != "chest.png" {
		t.Errorf("reopen mismatch: %q %+v", data, got)
	}
}

func multipartUpload(t *testing.T, fields map[string]string, fileName, contentType, content string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		w.WriteField(k, v)
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(part, content)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/blobs/upload", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req, httptest.NewRecorder()
}

func TestUploadHandler(t *testing.T) {
	store := NewInMemoryBlobStore()
	h := NewBlobHandler(store)
	e := echo.New()

	req, rec := multipartUpload(t,
		map[string]string{"patient_id": "P00001", "record_id": "rec-1"},
		"chest.png", "image/png", "png bytes")
	c := e.NewContext(req, rec)
	if err := h.handleUpload(c); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var meta BlobMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.PatientID != "P00001" || meta.RecordID != "rec-1" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestUploadHandlerRejectsContentType(t *testing.T) {
	h := NewBlobHandler(NewInMemoryBlobStore())
	e := echo.New()

	req, rec := multipartUpload(t, nil, "notes.txt", "text/plain", "hello")
	c := e.NewContext(req, rec)
	if err := h.handleUpload(c); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDownloadHandlerNotFound(t *testing.T) {
	h := NewBlobHandler(NewInMemoryBlobStore())
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/blobs/missing", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")
	if err := h.handleDownload(c); err != nil {
		t.Fatalf("download: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestListHandler(t *testing.T) {
	store := NewInMemoryBlobStore()
	seedBlob(t, store, "P00001", "a.png", "image/png", "a")
	h := NewBlobHandler(store)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/blobs/patient/P00001", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues("P00001")
	if err := h.handleListByPatient(c); err != nil {
		t.Fatalf("list: %v", err)
	}

	var out listResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 1 || len(out.Items) != 1 {
		t.Errorf("total=%d len=%d", out.Total, len(out.Items))
	}
}
