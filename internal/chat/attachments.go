package chat

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"petlify/api/internal/auth"
	"petlify/api/internal/store"
)

// UploadFile is one image received from a client. Content must be
// positioned at the start of the file.
type UploadFile struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.ReadSeeker
}

const compensationTimeout = 30 * time.Second

// UploadAttachments stores a batch of images and returns attachment
// metadata to reference from a later message. The batch is all or nothing:
// any rejected file fails it before anything is stored, and a failed upload
// removes the objects already written.
func (s *Service) UploadAttachments(ctx context.Context, caller auth.Identity, files []UploadFile) ([]store.Attachment, error) {
	if _, err := callerEmail(caller); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, validationError("no files uploaded")
	}
	if len(files) > s.opts.MaxUploadFiles {
		return nil, validationError("at most %d images per upload", s.opts.MaxUploadFiles)
	}

	types := make([]string, len(files))
	for i, f := range files {
		if f.Content == nil || f.Size <= 0 {
			return nil, validationError("file %q is empty", f.Name)
		}
		if f.Size > s.opts.MaxUploadBytes {
			return nil, validationError("file %q exceeds %d bytes", f.Name, s.opts.MaxUploadBytes)
		}
		mediaType, err := resolveType(f)
		if err != nil {
			return nil, storageError("read upload", err)
		}
		if !isImageType(mediaType) {
			return nil, validationError("only images can be uploaded")
		}
		types[i] = mediaType
	}

	attachments := make([]store.Attachment, len(files))
	var (
		mu     sync.Mutex
		stored []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			id := s.newID()
			key := s.objectKey(id, f.Name, types[i])
			url, err := s.blob.Put(gctx, key, types[i], f.Size, f.Content)
			if err != nil {
				return fmt.Errorf("upload %q: %w", f.Name, err)
			}
			mu.Lock()
			stored = append(stored, key)
			mu.Unlock()
			attachments[i] = store.Attachment{
				ID:   id,
				Name: baseName(f.Name),
				Type: types[i],
				Size: f.Size,
				URL:  url,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.compensate(ctx, stored)
		return nil, storageError("upload images", err)
	}

	s.metrics.AttachmentsUploaded(len(attachments))
	return attachments, nil
}

// compensate deletes objects of a failed batch. It outlives a cancelled
// request context so that cleanup still happens.
func (s *Service) compensate(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	for _, key := range keys {
		if err := s.blob.Delete(cleanupCtx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("remove orphaned upload")
		}
	}
}

func (s *Service) objectKey(id, name, mediaType string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		if m := mimetype.Lookup(mediaType); m != nil {
			ext = m.Extension()
		}
	}
	return s.opts.UploadFolder + "/" + id + ext
}

// resolveType returns the declared media type, or the sniffed one when the
// client sent none or a generic binary type.
func resolveType(f UploadFile) (string, error) {
	declared := normalizeMediaType(f.ContentType)
	if declared != "" && declared != "application/octet-stream" {
		return declared, nil
	}
	detected, err := mimetype.DetectReader(f.Content)
	if err != nil {
		return "", fmt.Errorf("detect type of %q: %w", f.Name, err)
	}
	if _, err := f.Content.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind %q: %w", f.Name, err)
	}
	return normalizeMediaType(detected.String()), nil
}

// baseName strips any client side directory from an uploaded file name.
func baseName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
