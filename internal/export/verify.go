package export

import (
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/23skdu/longbow-fletcher/internal/logger"
)

// VerifyArtifact asks ONNX Runtime to open a session on the artifact
// with the plan's graph names. The placeholder body fails to parse by
// construction, so callers treat the returned error as a diagnostic,
// not a pipeline failure.
func VerifyArtifact(path string, plan *Plan) error {
	if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("export: initialize onnxruntime: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path, plan.InputNames, plan.OutputNames, nil)
	if err != nil {
		return fmt.Errorf("export: open session on %s: %w", path, err)
	}
	defer session.Destroy()

	logger.Log.With("export").Info("artifact opened as a runnable ONNX session", "path", path)
	return nil
}
