// Package models fetches whisper.cpp ggml model files.
package models

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BaseURL is the directory the ggml files are served from.
var BaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Known lists the ggml models that can be pulled by name, with their
// approximate size in MB.
var Known = map[string]int{
	"tiny.en":        75,
	"tiny":           75,
	"base.en":        142,
	"base":           142,
	"small.en":       466,
	"small":          466,
	"medium.en":      1500,
	"medium":         1500,
	"large-v3-turbo": 1600,
	"large-v3":       3100,
}

// Names returns the known model names in sorted order.
func Names() []string {
	out := make([]string, 0, len(Known))
	for name := range Known {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FileName returns the ggml file name for a model name.
func FileName(name string) string {
	return "ggml-" + name + ".bin"
}

// ModelName derives the model name from a ggml file path, for example
// "base.en" from ".../ggml-base.en.bin".
func ModelName(path string) (string, error) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "ggml-") || !strings.HasSuffix(base, ".bin") {
		return "", fmt.Errorf("cannot derive model name from %q (want ggml-<name>.bin)", base)
	}
	return strings.TrimSuffix(strings.TrimPrefix(base, "ggml-"), ".bin"), nil
}

// DownloadWhisper downloads the model named by destPath's file name to
// destPath. An existing non-empty file is left alone. Progress is written
// to progress when it is not nil.
func DownloadWhisper(ctx context.Context, destPath string, progress io.Writer) error {
	name, err := ModelName(destPath)
	if err != nil {
		return err
	}
	if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
		if progress != nil {
			fmt.Fprintf(progress, "  Whisper model already exists: %s (%.0f MB)\n", destPath, float64(info.Size())/(1024*1024))
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating models dir: %w", err)
	}

	url := strings.TrimSuffix(BaseURL, "/") + "/" + FileName(name)
	if progress != nil {
		fmt.Fprintf(progress, "  Downloading whisper model %s\n", name)
		fmt.Fprintf(progress, "  URL: %s\n", url)
		fmt.Fprintf(progress, "  Destination: %s\n", destPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading whisper model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	// Write to a temp file, then rename
	tmpPath := destPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	var w io.Writer = f
	if progress != nil {
		w = &progressWriter{writer: f, out: progress, total: resp.ContentLength, label: FileName(name)}
	}

	written, err := io.Copy(w, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing model file: %w", err)
	}
	if written == 0 {
		os.Remove(tmpPath)
		return fmt.Errorf("download failed: empty response")
	}

	if progress != nil {
		fmt.Fprintf(progress, "\n  Downloaded %.1f MB\n", float64(written)/(1024*1024))
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("moving model file: %w", err)
	}
	return nil
}

// progressWriter wraps an io.Writer and reports download progress.
type progressWriter struct {
	writer  io.Writer
	out     io.Writer
	total   int64
	written int64
	label   string
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.writer.Write(p)
	pw.written += int64(n)
	if pw.total > 0 {
		pct := float64(pw.written) / float64(pw.total) * 100
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB / %.1f MB (%.0f%%)",
			pw.label,
			float64(pw.written)/(1024*1024),
			float64(pw.total)/(1024*1024),
			pct)
	} else {
		fmt.Fprintf(pw.out, "\r  %s: %.1f MB downloaded",
			pw.label,
			float64(pw.written)/(1024*1024))
	}
	return n, err
}
