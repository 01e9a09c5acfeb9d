package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/photosync/client/internal/models"
)

// spoolNamespace keys deterministic spool file names so a download resumes
// into the same file across sessions
var spoolNamespace = uuid.MustParse("6f1c2e8a-3b4d-4f5e-9a7b-0c1d2e3f4a5b")

// LocalStorageService owns the download spool and places finished downloads
type LocalStorageService struct {
	spoolDir string
}

// NewLocalStorageService creates the spool directory when needed
func NewLocalStorageService(spoolDir string) (*LocalStorageService, error) {
	if strings.TrimSpace(spoolDir) == "" {
		return nil, fmt.Errorf("spool path cannot be empty")
	}

	absPath, err := filepath.Abs(spoolDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, err
	}

	return &LocalStorageService{spoolDir: absPath}, nil
}

// SpoolPath returns the partial download file of a remote item. The name is
// keyed by the remote content tag so bytes of two versions never share a file.
func (s *LocalStorageService) SpoolPath(source string, item *models.SyncItem) string {
	id := uuid.NewSHA1(spoolNamespace, []byte(source+"/"+item.GUID+"/"+item.ETags.RemoteItem))
	return filepath.Join(s.spoolDir, id.String()+".part")
}

// SpoolOffset returns how many bytes of the item are already spooled
func (s *LocalStorageService) SpoolOffset(spoolPath string) int64 {
	info, err := os.Stat(spoolPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

// DiscardSpool removes a partial download
func (s *LocalStorageService) DiscardSpool(spoolPath string) {
	os.Remove(spoolPath)
}

// Place moves a completed spool file to its final location and returns it.
// An item that already has a local path is overwritten in place; otherwise
// the file lands in downloadFolder under a name that does not collide.
func (s *LocalStorageService) Place(spoolPath string, item *models.SyncItem, downloadFolder string) (string, error) {
	if item.LocalItemPath != "" {
		if err := os.MkdirAll(filepath.Dir(item.LocalItemPath), 0755); err != nil {
			return "", fmt.Errorf("failed to create destination folder: %w", err)
		}
		if err := moveFile(spoolPath, item.LocalItemPath); err != nil {
			return "", err
		}
		return item.LocalItemPath, nil
	}

	if strings.TrimSpace(downloadFolder) == "" {
		return "", models.NewSyncError(models.KindConfigError, "no download folder configured")
	}

	absFolder, err := filepath.Abs(downloadFolder)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(absFolder, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination folder: %w", err)
	}

	name := sanitizeFilename(item.Name)
	if name == "" || name == "." {
		name = item.GUID
	}
	dest := filepath.Join(absFolder, generateUniqueFilename(name, absFolder))

	// Security check
	if !strings.HasPrefix(dest, absFolder+string(os.PathSeparator)) {
		return "", fmt.Errorf("destination escapes download folder: %s", dest)
	}

	if err := moveFile(spoolPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// RemoveLocal deletes a local copy; a file that is already gone is not an error
func (s *LocalStorageService) RemoveLocal(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitizeFilename removes path components and invalid characters
func sanitizeFilename(filename string) string {
	// Get just the filename
	name := filepath.Base(filepath.FromSlash(strings.ReplaceAll(filename, "\\", "/")))

	// Replace dangerous characters
	replacer := strings.NewReplacer(
		"..", "",
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
	)
	name = replacer.Replace(name)

	// Limit length
	const maxLength = 200
	if len(name) > maxLength {
		ext := filepath.Ext(name)
		nameWithoutExt := strings.TrimSuffix(name, ext)
		if len(nameWithoutExt) > maxLength-len(ext) {
			nameWithoutExt = nameWithoutExt[:maxLength-len(ext)]
		}
		name = nameWithoutExt + ext
	}

	return name
}

// moveFile renames src over dst, copying when the rename crosses devices
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("failed to move file: %w", err)
		}
		os.Remove(src)
	}
	return nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		return err
	}
	return destFile.Close()
}

// generateUniqueFilename creates a unique filename if collision exists
func generateUniqueFilename(filename, folderPath string) string {
	nameWithoutExt := strings.TrimSuffix(filename, filepath.Ext(filename))
	ext := filepath.Ext(filename)
	candidate := filename
	counter := 1

	for {
		fullPath := filepath.Join(folderPath, candidate)
		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			break
		}

		candidate = fmt.Sprintf("%s_%03d%s", nameWithoutExt, counter, ext)
		counter++

		if counter > 9999 {
			// Fall back to timestamp
			candidate = fmt.Sprintf("%s_%d%s", nameWithoutExt, time.Now().UnixNano(), ext)
			break
		}
	}

	return candidate
}
