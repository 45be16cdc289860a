package dataset

import (
	"bufio"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ecgvision/ecgvision/internal/errors"
)

// HeaderExt is the extension of WFDB header files.
const HeaderExt = ".hea"

// Header holds the comment fields of one WFDB header.
type Header struct {
	Record string
	// Path is the header file on disk.
	Path   string
	Labels []string
	// Images are absolute or folder-relative paths, resolved against the
	// record's directory.
	Images []string
	// Lines are the raw header lines, kept for rewriting.
	Lines []string
}

// LabeledRecord is a record that takes part in training.
type LabeledRecord struct {
	Record string
	Image  string
	Labels []string
}

// FindRecords walks folder and returns every record identifier: the path
// of a .hea file relative to folder, without extension, slash separated
// and sorted.
func FindRecords(folder string) ([]string, error) {
	info, err := os.Stat(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(err).
				Category(errors.CategoryNotFound).
				Context("folder", folder).
				Build()
		}
		return nil, errors.FileError(err, folder)
	}
	if !info.IsDir() {
		return nil, errors.Validation("%s is not a directory", folder)
	}

	var records []string
	err = filepath.WalkDir(folder, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), HeaderExt) {
			return nil
		}
		rel, err := filepath.Rel(folder, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		records = append(records, strings.TrimSuffix(rel, path.Ext(rel)))
		return nil
	})
	if err != nil {
		return nil, errors.FileError(err, folder)
	}
	sort.Strings(records)
	return records, nil
}

// HeaderPath returns the header file of record inside folder.
func HeaderPath(folder, record string) string {
	return filepath.Join(folder, filepath.FromSlash(record)) + HeaderExt
}

// LoadHeader reads the header of record. Comment lines of the form
// "# Labels: a, b" and "# Image: x.png" are parsed; keys are case
// insensitive and the space after '#' is optional.
func LoadHeader(folder, record string) (Header, error) {
	hdrPath := HeaderPath(folder, record)
	f, err := os.Open(hdrPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, errors.New(err).
				Category(errors.CategoryNotFound).
				Context("record", record).
				Build()
		}
		return Header{}, errors.FileError(err, hdrPath)
	}
	defer f.Close()

	h := Header{Record: record, Path: hdrPath}
	dir := filepath.Dir(hdrPath)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.Lines = append(h.Lines, line)

		key, value, ok := commentField(line)
		if !ok {
			continue
		}
		switch key {
		case "labels":
			h.Labels = append(h.Labels, splitList(value)...)
		case "image", "images":
			for _, img := range splitList(value) {
				if img == "" {
					continue
				}
				if !filepath.IsAbs(img) {
					img = filepath.Join(dir, filepath.FromSlash(img))
				}
				h.Images = append(h.Images, img)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Header{}, errors.New(err).
			Category(errors.CategoryLabelLoad).
			FileContext(hdrPath).
			Build()
	}
	return h, nil
}

// NonEmptyLabels returns the labels that are not blank.
func (h Header) NonEmptyLabels() []string {
	var out []string
	for _, l := range h.Labels {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// commentField parses "#key: value".
func commentField(line string) (string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	body := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
	key, value, ok := strings.Cut(body, ":")
	if !ok {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value), true
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// ScanLabeled enumerates the records of folder and keeps those with at
// least one non-empty label, pairing each with its first image. It fails
// with a not-found error when the folder holds no records and with a
// validation error when none of them is labeled.
func ScanLabeled(folder string, logger *slog.Logger) ([]LabeledRecord, error) {
	if logger == nil {
		logger = slog.Default()
	}
	records, err := FindRecords(folder)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New(errors.NewStd("no data were provided")).
			Category(errors.CategoryNotFound).
			Context("folder", folder).
			Build()
	}

	var out []LabeledRecord
	for i, record := range records {
		h, err := LoadHeader(folder, record)
		if err != nil {
			return nil, err
		}
		labels := h.NonEmptyLabels()
		if len(labels) == 0 {
			continue
		}
		if len(h.Images) == 0 {
			logger.Warn("record has labels but no image, skipping", "record", record)
			continue
		}
		out = append(out, LabeledRecord{Record: record, Image: h.Images[0], Labels: labels})
		logger.Debug("record loaded", "index", i+1, "total", len(records), "record", record, "labels", labels)
	}

	if len(out) == 0 {
		return nil, errors.New(errors.NewStd("there are no labels for the data")).
			Category(errors.CategoryValidation).
			Context("folder", folder).
			Context("records", len(records)).
			Build()
	}
	return out, nil
}
