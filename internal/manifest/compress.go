package manifest

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// DefaultCompressFormat is used when a watermark is set without a format
const DefaultCompressFormat = "gz"

type codec struct {
	newWriter func(w io.Writer) (io.WriteCloser, error)
	newReader func(r io.Reader) (io.Reader, error)
}

var codecs = map[string]codec{
	"gz": {
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriterLevel(w, gzip.BestCompression)
		},
		newReader: func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		},
	},
	"bz2": {
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
		},
		newReader: func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r, nil)
		},
	},
	"xz": {
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		},
		newReader: func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		},
	},
	"lzma": {
		newWriter: func(w io.Writer) (io.WriteCloser, error) {
			return lzma.NewWriter(w)
		},
		newReader: func(r io.Reader) (io.Reader, error) {
			return lzma.NewReader(r)
		},
	},
}

// CompressionFormats lists the supported compression suffixes
func CompressionFormats() []string {
	formats := make([]string, 0, len(codecs))
	for f := range codecs {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}

// ValidateCompressFormat returns an error for unknown formats.
func ValidateCompressFormat(format string) error {
	if _, ok := codecs[format]; !ok {
		return fmt.Errorf("unsupported compression format %q (supported: %s)", format, strings.Join(CompressionFormats(), ", "))
	}
	return nil
}

// CompressedName appends the format suffix to name.
func CompressedName(name, format string) string {
	return name + "." + format
}

// FormatForName returns the compression format implied by the file name
// suffix, or "" for uncompressed files.
func FormatForName(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	if _, ok := codecs[name[idx+1:]]; ok {
		return name[idx+1:]
	}
	return ""
}

// Compress encodes data with format.
func Compress(data []byte, format string) ([]byte, error) {
	c, ok := codecs[format]
	if !ok {
		return nil, ValidateCompressFormat(format)
	}

	var buf bytes.Buffer
	w, err := c.newWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", format, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish %s stream: %w", format, err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes data with format; an empty format returns data as is.
func Decompress(data []byte, format string) ([]byte, error) {
	if format == "" {
		return data, nil
	}
	c, ok := codecs[format]
	if !ok {
		return nil, ValidateCompressFormat(format)
	}

	r, err := c.newReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream: %w", format, err)
	}
	if closer, ok := r.(io.Closer); ok {
		defer func() {
			_ = closer.Close()
		}()
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s stream: %w", format, err)
	}
	return out, nil
}
