package services

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// StorageService owns the on-disk layout for uploaded and converted
// artifacts. Both directories are provisioned by the deployment; this
// service only resolves paths inside them and removes files.
type StorageService struct {
	uploadsDir   string
	convertedDir string
}

func NewStorageService(uploadsDir, convertedDir string) *StorageService {
	return &StorageService{uploadsDir: uploadsDir, convertedDir: convertedDir}
}

// UploadPath resolves the canonical path of an uploaded video.
func (s *StorageService) UploadPath(filename string) string {
	return filepath.Join(s.uploadsDir, filepath.Base(filename))
}

// ConvertedPath resolves the canonical path of a converted GIF.
func (s *StorageService) ConvertedPath(filename string) string {
	return filepath.Join(s.convertedDir, filepath.Base(filename))
}

// OutputFilename derives the GIF name for an input video, replacing
// whatever extension the upload carried.
func OutputFilename(inputFilename string) string {
	base := filepath.Base(inputFilename)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".gif"
}

// Exists reports whether the file at path is present.
func (s *StorageService) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Delete removes the file at path. A missing file is not an error; the
// call is idempotent. After a successful removal the parent directory
// is pruned if it became empty, as housekeeping that never fails the
// caller.
func (s *StorageService) Delete(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}

	s.pruneEmptyParent(filepath.Dir(path))
	return nil
}

// pruneEmptyParent removes dir when it holds no entries, but never the
// root artifact directories themselves.
func (s *StorageService) pruneEmptyParent(dir string) {
	if dir == s.uploadsDir || dir == s.convertedDir {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(dir); err != nil {
		log.Printf("[Storage] Failed to prune empty directory %s: %v", dir, err)
	}
}
