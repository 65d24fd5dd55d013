// Package documents handles file uploads for file fields: bytes go to the
// blob store, extracted text goes to Postgres and the search index.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"intake/api/internal/search"
	"intake/api/internal/store"
	"intake/api/internal/util"
)

const MaxUploadBytes = 20 << 20

var (
	ErrTooLarge        = errors.New("document exceeds upload limit")
	ErrEmpty           = errors.New("document is empty")
	ErrUnsupportedType = errors.New("unsupported document type")
)

var allowedTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/heic":      true,
	"text/plain":      true,
}

type Records interface {
	InsertDocument(ctx context.Context, doc store.Document) (store.Document, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
}

type Indexer interface {
	IndexDocument(doc search.DocumentRecord)
}

type Service struct {
	blobs   Blobs
	ocr     Extractor
	records Records
	indexer Indexer
	logger  *slog.Logger
}

func NewService(blobs Blobs, ocr Extractor, records Records, indexer Indexer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{blobs: blobs, ocr: ocr, records: records, indexer: indexer, logger: logger}
}

type Upload struct {
	WorkflowID  string
	SectionID   string
	FieldID     string
	FileName    string
	ContentType string
	UploadedBy  string
	Body        io.Reader
}

// Store saves the upload and records it. OCR failures are logged and leave
// the document without extracted text.
func (s *Service) Store(ctx context.Context, up Upload) (store.Document, error) {
	contentType := strings.ToLower(strings.TrimSpace(strings.SplitN(up.ContentType, ";", 2)[0]))
	if !allowedTypes[contentType] {
		return store.Document{}, fmt.Errorf("%w: %q", ErrUnsupportedType, up.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(up.Body, MaxUploadBytes+1))
	if err != nil {
		return store.Document{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return store.Document{}, ErrEmpty
	}
	if len(data) > MaxUploadBytes {
		return store.Document{}, ErrTooLarge
	}

	fileName := path.Base(strings.ReplaceAll(up.FileName, "\\", "/"))
	if fileName == "." || fileName == "/" {
		fileName = "upload"
	}
	key := blobKey(up.WorkflowID, fileName)
	if err := s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return store.Document{}, fmt.Errorf("store blob: %w", err)
	}

	var text string
	if s.ocr != nil {
		text, err = s.ocr.Extract(ctx, fileName, contentType, data)
		if err != nil {
			s.logger.Warn("text extraction failed", "key", key, "error", err)
			text = ""
		}
	}

	doc, err := s.records.InsertDocument(ctx, store.Document{
		ID:            util.NewID("doc"),
		WorkflowID:    up.WorkflowID,
		SectionID:     up.SectionID,
		FieldID:       up.FieldID,
		FileName:      fileName,
		ContentType:   contentType,
		SizeBytes:     int64(len(data)),
		BlobKey:       key,
		ExtractedText: text,
		UploadedBy:    up.UploadedBy,
	})
	if err != nil {
		// The blob has no row pointing at it; remove it even if the request
		// was cancelled.
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn("remove orphaned blob failed", "key", key, "error", delErr)
		}
		return store.Document{}, fmt.Errorf("record document: %w", err)
	}

	if s.indexer != nil {
		s.indexer.IndexDocument(search.DocumentRecord{
			ID:         doc.ID,
			WorkflowID: doc.WorkflowID,
			SectionID:  doc.SectionID,
			FileName:   doc.FileName,
			Text:       doc.ExtractedText,
		})
	}
	return doc, nil
}

// Open returns the document row and a reader over its bytes. The caller
// closes the reader.
func (s *Service) Open(ctx context.Context, documentID string) (store.Document, io.ReadCloser, error) {
	doc, err := s.records.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, nil, err
	}
	body, err := s.blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return store.Document{}, nil, fmt.Errorf("open blob: %w", err)
	}
	return doc, body, nil
}

func blobKey(workflowID, fileName string) string {
	return path.Join(workflowID, uuid.NewString()+strings.ToLower(path.Ext(fileName)))
}
