package config

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

// Recognized source property keys
const (
	KeyExtensions             = "extensions"
	KeyExcludedExtensions     = "excluded_extensions"
	KeyExcludedFiles          = "excluded_files"
	KeyExcludedDirs           = "excluded_dirs"
	KeyUploadFolders          = "upload_folders"
	KeyUploadNetworkFolders   = "upload_network_folders"
	KeyUploadRemovableFolders = "upload_removable_folders"
	KeyDownloadFolder         = "download_folder"
	KeyMaxItemSize            = "max_item_size"
	KeyLocalStorageQuota      = "local_storage_quota"
)

// UnavailableMarker prefixes an upload root that must not be scanned right now.
// Rows under such a root are not treated as deleted.
const UnavailableMarker = "?"

// RootKind tells where an upload root lives
type RootKind int

const (
	RootLocal RootKind = iota
	RootNetwork
	RootRemovable
)

func (k RootKind) String() string {
	switch k {
	case RootNetwork:
		return "network"
	case RootRemovable:
		return "removable"
	}
	return "local"
}

// UploadRoot is one configured upload folder
type UploadRoot struct {
	Path        string
	Kind        RootKind
	Unavailable bool
}

// SourceProperties is the property map of one data source.
// List values are separated by ';' or ','. Path lists only by ';'.
type SourceProperties map[string]string

// List splits a list-valued property
func (p SourceProperties) List(key string) []string {
	return splitList(p[key], func(r rune) bool { return r == ';' || r == ',' })
}

// Paths splits a list of folders. Commas are valid in paths.
func (p SourceProperties) Paths(key string) []string {
	return splitList(p[key], func(r rune) bool { return r == ';' })
}

func splitList(raw string, sep func(rune) bool) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, sep)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Extensions returns the allowed extensions, lowercased with a leading dot
func (p SourceProperties) Extensions() []string {
	return normalizeExtensions(p.List(KeyExtensions))
}

// ExcludedExtensions returns the denied extensions, lowercased with a leading dot
func (p SourceProperties) ExcludedExtensions() []string {
	return normalizeExtensions(p.List(KeyExcludedExtensions))
}

// ExcludedFiles returns the file name glob patterns to skip
func (p SourceProperties) ExcludedFiles() []string {
	return p.List(KeyExcludedFiles)
}

// ExcludedDirs returns the directory name glob patterns to skip
func (p SourceProperties) ExcludedDirs() []string {
	return p.List(KeyExcludedDirs)
}

// UploadRoots returns every configured upload folder in local, network,
// removable order
func (p SourceProperties) UploadRoots() []UploadRoot {
	var roots []UploadRoot
	for _, kr := range []struct {
		key  string
		kind RootKind
	}{
		{KeyUploadFolders, RootLocal},
		{KeyUploadNetworkFolders, RootNetwork},
		{KeyUploadRemovableFolders, RootRemovable},
	} {
		for _, path := range p.Paths(kr.key) {
			root := UploadRoot{Path: path, Kind: kr.kind}
			if strings.HasPrefix(path, UnavailableMarker) {
				root.Unavailable = true
				root.Path = strings.TrimPrefix(path, UnavailableMarker)
			}
			root.Path = filepath.Clean(root.Path)
			roots = append(roots, root)
		}
	}
	return roots
}

// DownloadFolder returns the folder downloads are materialized into
func (p SourceProperties) DownloadFolder() string {
	return strings.TrimSpace(p[KeyDownloadFolder])
}

// MaxItemSize returns the largest accepted file size in bytes, 0 for no limit
func (p SourceProperties) MaxItemSize() (int64, error) {
	raw := strings.TrimSpace(p[KeyMaxItemSize])
	if raw == "" {
		return 0, nil
	}
	n, err := ParseByteSize(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", KeyMaxItemSize, err)
	}
	return n, nil
}

// StorageQuota is a local storage threshold, either a share of the download
// volume or an absolute byte count. The zero value means unlimited.
type StorageQuota struct {
	Percent float64
	Bytes   int64
}

// Unlimited reports whether no threshold is configured
func (q StorageQuota) Unlimited() bool {
	return q.Percent == 0 && q.Bytes == 0
}

// Limit resolves the threshold against a volume of totalBytes
func (q StorageQuota) Limit(totalBytes int64) int64 {
	if q.Bytes > 0 {
		return q.Bytes
	}
	return int64(float64(totalBytes) * q.Percent / 100)
}

// LocalStorageQuota parses "80%" or a byte size such as "20GB"
func (p SourceProperties) LocalStorageQuota() (StorageQuota, error) {
	raw := strings.TrimSpace(p[KeyLocalStorageQuota])
	if raw == "" {
		return StorageQuota{}, nil
	}
	if strings.HasSuffix(raw, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(raw, "%")), 64)
		if err != nil || pct <= 0 || pct > 100 {
			return StorageQuota{}, fmt.Errorf("%s: invalid percentage %q", KeyLocalStorageQuota, raw)
		}
		return StorageQuota{Percent: pct}, nil
	}
	n, err := ParseByteSize(raw)
	if err != nil {
		return StorageQuota{}, fmt.Errorf("%s: %w", KeyLocalStorageQuota, err)
	}
	return StorageQuota{Bytes: n}, nil
}

var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseByteSize parses a plain byte count or one suffixed with B, KB, MB, GB or TB
func ParseByteSize(raw string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	mult := int64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %q overflows", raw)
	}
	return n * mult, nil
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
