package courier

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DetectMime resolves a declared mime type for a file name from its
// extension, consulting the overrides table first and the platform
// table second. Unknown extensions fall back to octet-stream.
func DetectMime(name string, overrides map[string]string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "application/octet-stream"
	}

	if mt, ok := overrides[ext]; ok {
		return mt
	}

	if mt, ok := overrides[strings.TrimPrefix(ext, ".")]; ok {
		return mt
	}

	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}

	return "application/octet-stream"
}

// LoadMimeOverrides reads an extension-to-type mapping from a YAML
// file, e.g.
//
//	.heic: image/heic
//	.gcode: text/x-gcode
//
// A missing file is not an error; it simply yields no overrides.
func LoadMimeOverrides(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading mime overrides: %w", err)
	}

	overrides := make(map[string]string)
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parsing mime overrides: %w", err)
	}

	return overrides, nil
}

// IsImage reports whether a mime type denotes an image.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
