package save

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"meetrec/encoder"
	"meetrec/log"
	"meetrec/recorder"
)

// DefaultFolderTemplate names recording folders.
// Placeholders: {{.Year}} {{.Month}} {{.Day}} {{.Hour}} {{.Minute}} {{.Second}} {{.ID}}
const DefaultFolderTemplate = "{{.Year}}-{{.Month}}-{{.Day}}_{{.Hour}}-{{.Minute}}-{{.Second}}"

const metadataFile = "metadata.json"

type folderData struct {
	Year, Month, Day     string
	Hour, Minute, Second string
	ID                   string
}

// DiskStore writes each recording into its own folder together with a JSON
// metadata sidecar.
type DiskStore struct {
	Dir            string
	FolderTemplate string
	MinDuration    time.Duration
	Clock          clock.Clock
}

func (d *DiskStore) Save(ctx context.Context, blob *recorder.Blob, durationMs int64) (*Receipt, error) {
	if err := validate(blob, durationMs, d.MinDuration); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindStorage, Err: err}
	}

	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	id := uuid.NewString()

	name, err := d.folderName(now, id)
	if err != nil {
		return nil, &Error{Kind: KindStorage, Err: err}
	}
	dir, err := uniqueDir(filepath.Join(d.Dir, name))
	if err != nil {
		return nil, &Error{Kind: KindStorage, Err: err}
	}

	data := blob.Data
	if blob.MIMEType == encoder.MIMEWav {
		data = bytes.Clone(blob.Data)
		encoder.FixWAVHeader(data)
	}
	path := filepath.Join(dir, "recording"+extension(blob.MIMEType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("writing recording: %w", err)}
	}

	receipt := &Receipt{
		ID:         id,
		Path:       path,
		MIMEType:   blob.MIMEType,
		SizeBytes:  len(data),
		DurationMs: durationMs,
		SavedAt:    now,
	}
	meta, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("marshaling metadata: %w", err)}
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), meta, 0o644); err != nil {
		return nil, &Error{Kind: KindStorage, Err: fmt.Errorf("writing metadata: %w", err)}
	}

	log.SaveOutcome(path, len(data), nil)
	return receipt, nil
}

func (d *DiskStore) folderName(t time.Time, id string) (string, error) {
	text := d.FolderTemplate
	if text == "" {
		text = DefaultFolderTemplate
	}
	tmpl, err := template.New("folder").Parse(text)
	if err != nil {
		return "", fmt.Errorf("invalid folder template: %w", err)
	}
	var buf bytes.Buffer
	err = tmpl.Execute(&buf, folderData{
		Year:   t.Format("2006"),
		Month:  t.Format("01"),
		Day:    t.Format("02"),
		Hour:   t.Format("15"),
		Minute: t.Format("04"),
		Second: t.Format("05"),
		ID:     id,
	})
	if err != nil {
		return "", fmt.Errorf("executing folder template: %w", err)
	}
	name := filepath.Base(filepath.Clean("/" + buf.String()))
	if name == "/" || name == "." {
		return "", fmt.Errorf("folder template %q produced an empty name", text)
	}
	return name, nil
}

// uniqueDir creates dir, or dir-2, dir-3... if it already exists.
func uniqueDir(dir string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	candidate := dir
	for i := 2; ; i++ {
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
		candidate = fmt.Sprintf("%s-%d", dir, i)
	}
}

// ReadReceipt loads the metadata sidecar of a saved recording folder.
func ReadReceipt(dir string) (*Receipt, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metadataFile, err)
	}
	return &r, nil
}
