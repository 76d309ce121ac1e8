package handler

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/inthavong/doctrans-be/internal/job"
)

// Artifact values are loosely typed on purpose: the engine may store inline
// text, a JSON document, or a reference to a file it wrote. Serving picks the
// representation from the value itself.

// serveNamedArtifact writes one artifact of the job to the response.
func (h *JobHandler) serveNamedArtifact(c *gin.Context, j *job.Job, name string) {
	value, ok := j.Artifacts[name]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Artifact not found",
		})
		return
	}

	if path, isFile := artifactFilePath(value); isFile {
		if _, err := os.Stat(path); err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Artifact file is missing",
			})
			return
		}
		c.File(path)
		return
	}

	if looksLikeJSON(value) {
		c.Data(http.StatusOK, "application/json", []byte(value))
		return
	}

	c.String(http.StatusOK, value)
}

// artifactFilePath reports whether the value references a local file. A
// file:// URI always counts; a bare absolute path only counts when the file
// actually exists, so inline text is never mistaken for a path.
func artifactFilePath(value string) (string, bool) {
	switch {
	case strings.HasPrefix(value, "file://"):
		return strings.TrimPrefix(value, "file://"), true
	case filepath.IsAbs(value):
		if info, err := os.Stat(value); err == nil && info.Mode().IsRegular() {
			return value, true
		}
	}
	return "", false
}

// resolveArtifactText returns the text content of an artifact value, reading
// it from disk when the value is a file reference. Unreadable references fall
// back to the raw value.
func resolveArtifactText(value string) string {
	path, isFile := artifactFilePath(value)
	if !isFile {
		return value
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return value
	}
	return string(content)
}

func looksLikeJSON(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	return json.Valid([]byte(trimmed))
}
