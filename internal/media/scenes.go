package media

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// SceneLibrary returns raw cut timestamps, in seconds, for a video.
type SceneLibrary interface {
	DetectScenes(ctx context.Context, path string, minSceneLength, threshold float64) ([]float64, error)
}

// PySceneDetect runs the scenedetect CLI as a Python module with the content
// detector and reads back the scene list it writes.
type PySceneDetect struct {
	python string
	module string
	logger *slog.Logger
}

// NewPySceneDetect resolves the python binary. An empty pythonPath means
// auto-detect (python3, then python).
func NewPySceneDetect(pythonPath string, logger *slog.Logger) (*PySceneDetect, error) {
	python, err := resolvePython(pythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}
	logger.Info("scene library initialised", "python", python, "module", "scenedetect")
	return &PySceneDetect{python: python, module: "scenedetect", logger: logger}, nil
}

func (d *PySceneDetect) DetectScenes(ctx context.Context, path string, minSceneLength, threshold float64) ([]float64, error) {
	outDir := filepath.Dir(path)
	listName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "-scenes.csv"
	listPath := filepath.Join(outDir, listName)
	defer os.Remove(listPath)

	res, err := run(ctx, command{
		name:   d.python,
		args:   d.args(path, outDir, listName, minSceneLength, threshold),
		logger: d.logger,
	})
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return nil, fmt.Errorf("scenedetect exited %d: %s", res.ExitCode, truncate(res.StderrTail, 256))
	}

	f, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("open scene list: %w", err)
	}
	defer f.Close()
	return parseSceneList(f)
}

func (d *PySceneDetect) args(path, outDir, listName string, minSceneLength, threshold float64) []string {
	return []string{
		"-m", d.module,
		"--input", path,
		"--output", outDir,
		"--quiet",
		"--min-scene-len", formatSeconds(minSceneLength) + "s",
		"detect-content",
		"--threshold", strconv.FormatFloat(threshold, 'f', -1, 64),
		"list-scenes",
		"--filename", listName,
		"--skip-cuts",
		"--quiet",
	}
}

// parseSceneList reads the CSV written by `list-scenes` and returns the start
// time of every scene after the first, which are the cut points.
func parseSceneList(r io.Reader) ([]float64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	startCol := -1
	cuts := []float64{}
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read scene list: %w", err)
		}
		if len(rec) == 0 {
			continue
		}
		// Without --skip-cuts the file starts with a timecode row.
		if strings.HasPrefix(rec[0], "Timecode List") {
			continue
		}
		if startCol < 0 {
			for i, h := range rec {
				if strings.TrimSpace(h) == "Start Time (seconds)" {
					startCol = i
				}
			}
			if startCol < 0 {
				return nil, fmt.Errorf("scene list has no start time column")
			}
			continue
		}
		if startCol >= len(rec) {
			return nil, fmt.Errorf("scene list row too short: %v", rec)
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(rec[startCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("parse scene start %q: %w", rec[startCol], err)
		}
		if first {
			first = false
			continue
		}
		cuts = append(cuts, start)
	}
	return cuts, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	return findPython(exec.LookPath, preferred)
}

func findPython(lookPath func(string) (string, error), preferred string) (string, error) {
	if preferred != "" {
		if p, err := lookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := lookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}
