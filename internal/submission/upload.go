package submission

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dharsanguruparan/snapcheck/internal/model"
)

const (
	sniffLen      = 512
	maxFieldBytes = 64 << 10
)

// DefaultAllowedTypes are the sniffed content types accepted as images.
var DefaultAllowedTypes = []string{"image/jpeg", "image/png", "image/gif"}

// Limits bound what ParseMultipart accepts.
type Limits struct {
	MaxImageBytes int64
	AllowedTypes  []string
	TempDir       string
}

// Upload is an image part spooled to a temp file. Close removes the file.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	file        *os.File
}

// Reader rewinds the spooled file and returns it.
func (u *Upload) Reader() (io.Reader, error) {
	if _, err := u.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}
	return u.file, nil
}

// Close removes the spooled file.
func (u *Upload) Close() error {
	if u == nil || u.file == nil {
		return nil
	}
	name := u.file.Name()
	_ = u.file.Close()
	return os.Remove(name)
}

// Form is a parsed submission: descriptive fields plus the optional image.
type Form struct {
	Metadata model.Metadata
	Image    *Upload
}

// Close releases the spooled image, if any.
func (f *Form) Close() error {
	return f.Image.Close()
}

// ParseMultipart streams a multipart body. The image part is spooled to disk
// with its content type sniffed from the first bytes; text parts are read
// into Metadata. Field problems come back as *model.ValidationError alongside
// whatever was parsed, so the form can be re-rendered.
func ParseMultipart(mr *multipart.Reader, limits Limits) (*Form, error) {
	form := &Form{}
	verr := &model.ValidationError{}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = form.Close()
			return nil, fmt.Errorf("read multipart: %w", err)
		}
		switch part.FormName() {
		case "image":
			if form.Image != nil || part.FileName() == "" {
				_ = part.Close()
				continue
			}
			upload, err := spool(part, limits)
			_ = part.Close()
			if err != nil {
				var fieldErr *model.ValidationError
				if errors.As(err, &fieldErr) {
					verr.Merge(fieldErr)
					continue
				}
				_ = form.Close()
				return nil, err
			}
			form.Image = upload
		case "title", "description", "taxonomy":
			value, err := readField(part)
			_ = part.Close()
			if err != nil {
				_ = form.Close()
				return nil, err
			}
			switch part.FormName() {
			case "title":
				form.Metadata.Title = value
			case "description":
				form.Metadata.Description = value
			case "taxonomy":
				form.Metadata.Taxonomy = value
			}
		default:
			_ = part.Close()
		}
	}
	if verr.Empty() {
		return form, nil
	}
	return form, verr
}

func readField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", fmt.Errorf("read field %s: %w", part.FormName(), err)
	}
	if len(data) > maxFieldBytes {
		data = data[:maxFieldBytes]
	}
	return strings.TrimSpace(string(data)), nil
}

func spool(part *multipart.Part, limits Limits) (*Upload, error) {
	tmpFile, err := os.CreateTemp(limits.TempDir, "snapcheck-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	discard := func(err error) (*Upload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if limits.MaxImageBytes > 0 && written > limits.MaxImageBytes {
				return discard(model.NewValidationError("image", fmt.Sprintf("is too large (maximum is %s)", humanize.Bytes(uint64(limits.MaxImageBytes)))))
			}
			if len(sniff) < sniffLen {
				chunk := n
				if remain := sniffLen - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return discard(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return discard(fmt.Errorf("read file: %w", readErr))
		}
	}
	if written == 0 {
		return discard(model.NewValidationError("image", "is empty"))
	}
	contentType := http.DetectContentType(sniff)
	if !allowed(contentType, limits.AllowedTypes) {
		return discard(model.NewValidationError("image", fmt.Sprintf("has unsupported type %s", contentType)))
	}
	return &Upload{
		Filename:    part.FileName(),
		ContentType: contentType,
		Size:        written,
		file:        tmpFile,
	}, nil
}

func allowed(contentType string, types []string) bool {
	if len(types) == 0 {
		types = DefaultAllowedTypes
	}
	for _, t := range types {
		if strings.EqualFold(t, contentType) {
			return true
		}
	}
	return false
}
