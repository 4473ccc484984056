// Package ollama resolves model references against a local ollama
// store, mapping name:tag to the GGUF blob on disk.
package ollama

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-fletcher/internal/logger"
)

const (
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	DefaultTag       = "latest"

	MediaTypeModel = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// ModelsDir returns the local ollama model store. OLLAMA_MODELS
// overrides the default ~/.ollama/models.
func ModelsDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// ParseRef splits a model reference into registry, namespace, name and
// tag. Short refs like "tinyllama" fill in registry.ollama.ai/library
// and :latest.
func ParseRef(ref string) (registry, namespace, name, tag string) {
	registry = DefaultRegistry
	namespace = DefaultNamespace
	tag = DefaultTag

	// A colon after the last slash separates the tag; earlier colons
	// belong to a registry host:port.
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		ref, tag = ref[:i], ref[i+1:]
	}

	parts := strings.Split(ref, "/")
	switch len(parts) {
	case 1:
		name = parts[0]
	case 2:
		namespace, name = parts[0], parts[1]
	default:
		registry = strings.Join(parts[:len(parts)-2], "/")
		namespace = parts[len(parts)-2]
		name = parts[len(parts)-1]
	}
	return registry, namespace, name, tag
}

// ResolveModelPath maps a model reference like "tinyllama" or
// "tinyllama:1.1b" to its GGUF blob in the local store.
func ResolveModelPath(ref string) (string, error) {
	baseDir, err := ModelsDir()
	if err != nil {
		return "", err
	}

	registry, namespace, name, tag := ParseRef(ref)
	manifestPath := filepath.Join(baseDir, "manifests", registry, namespace, name, tag)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", fmt.Errorf("ollama: manifest for %s: %w", ref, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("ollama: parse manifest %s: %w", manifestPath, err)
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("ollama: no model layer in manifest for %s", ref)
	}

	// Blobs live at blobs/sha256-<hash>; the on-disk name swaps the
	// digest's ':' for '-'.
	blobPath := filepath.Join(baseDir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("ollama: blob for %s: %w", ref, err)
	}

	logger.Log.Debug("resolved ollama model", "ref", ref, "blob", blobPath)
	return blobPath, nil
}
