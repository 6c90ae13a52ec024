package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// IsCompressed reports whether path names an xz stream.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".xz")
}

type xzFile struct {
	*xz.Reader
	f *os.File
}

func (x *xzFile) Close() error {
	return x.f.Close()
}

// Open opens path for reading and returns its size. xz streams are
// decompressed, and their size is that of the decompressed data.
func Open(path string) (io.ReadCloser, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("could not open input: %w", err)
	}
	if !IsCompressed(path) {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, st.Size(), nil
	}

	// The size is needed upfront, so the stream is decompressed twice.
	r, err := xz.NewReader(f)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("could not open xz stream: %w", err)
	}
	size, err := io.Copy(io.Discard, r)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("could not decompress %s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, err
	}
	r, err = xz.NewReader(f)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("could not open xz stream: %w", err)
	}
	return &xzFile{Reader: r, f: f}, size, nil
}

// Writer writes a file that only appears at its path once committed.
type Writer struct {
	path string
	f    *os.File
	xz   *xz.Writer
	w    io.Writer
}

// Create starts writing path, compressing if it names an xz stream.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return nil, fmt.Errorf("could not create output: %w", err)
	}
	w := &Writer{path: path, f: f, w: f}
	if IsCompressed(path) {
		w.xz, err = xz.NewWriter(f)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, fmt.Errorf("could not start xz stream: %w", err)
		}
		w.w = w.xz
	}
	return w, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

// Commit finishes the file and moves it into place.
func (w *Writer) Commit() error {
	if w.xz != nil {
		if err := w.xz.Close(); err != nil {
			w.Abort()
			return fmt.Errorf("could not finish xz stream: %w", err)
		}
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("could not close output: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.path); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("could not move output into place: %w", err)
	}
	return nil
}

// Abort throws away everything written.
func (w *Writer) Abort() {
	w.f.Close()
	os.Remove(w.f.Name())
}

// WriteFile writes data to path through a Writer.
func WriteFile(path string, data []byte) error {
	w, err := Create(path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return w.Commit()
}
