//go:build cgo

package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// onnxRuntimeVersion must match the onnxruntime_go binding fastembed-go links.
const onnxRuntimeVersion = "1.23.0"

const onnxReleaseURL = "https://github.com/microsoft/onnxruntime/releases/download/v%[1]s/onnxruntime-%[2]s-%[1]s.tgz"

var errUnsupportedPlatform = errors.New("unsupported platform")

// onnxArchives maps GOOS and GOARCH to release archive platform names.
var onnxArchives = map[string]string{
	"linux/amd64":  "linux-x64",
	"linux/arm64":  "linux-aarch64",
	"darwin/amd64": "osx-x86_64",
	"darwin/arm64": "osx-arm64",
}

func onnxArchive(goos, goarch string) (string, error) {
	if p, ok := onnxArchives[goos+"/"+goarch]; ok {
		return p, nil
	}
	return "", fmt.Errorf("%w: %s/%s", errUnsupportedPlatform, goos, goarch)
}

func onnxLibrary(goos string) string {
	if goos == "darwin" {
		return "libonnxruntime.dylib"
	}
	return "libonnxruntime.so"
}

// ensureRuntime points ONNX_PATH at a usable runtime library. An explicit
// ONNX_PATH wins; otherwise dir is searched and, if install is set,
// populated from the upstream release.
var ensureRuntime = func(ctx context.Context, dir string, install bool) (string, error) {
	if p := os.Getenv("ONNX_PATH"); p != "" {
		return p, nil
	}

	lib := filepath.Join(dir, onnxLibrary(runtime.GOOS))
	if _, err := os.Stat(lib); err != nil {
		if !install {
			return "", fmt.Errorf("%s not found and runtime install disabled", lib)
		}
		if err := installRuntime(ctx, http.DefaultClient, dir, runtime.GOOS, runtime.GOARCH); err != nil {
			return "", err
		}
	}
	return lib, os.Setenv("ONNX_PATH", lib)
}

func installRuntime(ctx context.Context, client *http.Client, dir, goos, goarch string) error {
	platform, err := onnxArchive(goos, goarch)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(onnxReleaseURL, onnxRuntimeVersion, platform), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading onnx runtime: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading onnx runtime: status %d", resp.StatusCode)
	}

	prefix := fmt.Sprintf("onnxruntime-%s-%s/lib/", platform, onnxRuntimeVersion)
	return extractLibs(resp.Body, dir, prefix, onnxLibrary(goos))
}

// extractLibs copies every file under prefix in a .tgz stream into dir,
// flattening paths, and fails if lib was not among them.
func extractLibs(r io.Reader, dir, prefix, lib string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer gz.Close()

	found := false
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		if !strings.HasPrefix(name, prefix) || hdr.Typeflag == tar.TypeDir {
			continue
		}
		base := filepath.Base(name)
		dest := filepath.Join(dir, base)

		switch hdr.Typeflag {
		case tar.TypeSymlink:
			_ = os.Remove(dest)
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				continue
			}
		case tar.TypeReg:
			if err := writeFile(dest, tr); err != nil {
				return err
			}
		default:
			continue
		}
		if base == lib || strings.HasPrefix(base, lib+".") {
			found = true
		}
	}

	if !found {
		return fmt.Errorf("%s not found in archive", lib)
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
