package save

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"meetrec/log"
	"meetrec/recorder"
)

type UploaderConfig struct {
	// UploadURL receives the recording body with PUT.
	UploadURL string
	// ProcessURL, when set, is POSTed after a successful upload to start
	// transcription.
	ProcessURL  string
	APIKey      string
	Timeout     time.Duration
	MinDuration time.Duration
}

// Uploader sends recordings to the backend.
type Uploader struct {
	cfg    UploaderConfig
	client *resty.Client
}

type uploadResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type processRequest struct {
	RecordingID string `json:"recording_id"`
	DurationMs  int64  `json:"duration_ms"`
	MIMEType    string `json:"mime_type"`
}

type apiError struct {
	Error string `json:"error"`
}

func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "meetrec")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &Uploader{cfg: cfg, client: client}
}

func (u *Uploader) Save(ctx context.Context, blob *recorder.Blob, durationMs int64) (*Receipt, error) {
	if err := validate(blob, durationMs, u.cfg.MinDuration); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	var up uploadResponse
	var apiErr apiError
	resp, err := u.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", blob.MIMEType).
		SetHeader("X-Recording-Id", id).
		SetHeader("X-Duration-Ms", strconv.FormatInt(durationMs, 10)).
		SetBody(blob.Data).
		SetResult(&up).
		SetError(&apiErr).
		Put(u.cfg.UploadURL)
	if err != nil {
		log.SaveOutcome(u.cfg.UploadURL, blob.Size(), err)
		return nil, &Error{Kind: KindNetwork, Err: fmt.Errorf("upload: %w", err)}
	}
	if resp.IsError() {
		err := remoteError("upload", resp, apiErr)
		log.SaveOutcome(u.cfg.UploadURL, blob.Size(), err)
		return nil, err
	}

	receipt := &Receipt{
		ID:         id,
		RemoteID:   up.ID,
		URL:        up.URL,
		MIMEType:   blob.MIMEType,
		SizeBytes:  blob.Size(),
		DurationMs: durationMs,
		SavedAt:    time.Now(),
	}
	if receipt.RemoteID == "" {
		receipt.RemoteID = id
	}
	log.SaveOutcome(receipt.URL, blob.Size(), nil)

	if u.cfg.ProcessURL == "" {
		return receipt, nil
	}
	apiErr = apiError{}
	resp, err = u.client.R().
		SetContext(ctx).
		SetBody(processRequest{
			RecordingID: receipt.RemoteID,
			DurationMs:  durationMs,
			MIMEType:    blob.MIMEType,
		}).
		SetError(&apiErr).
		Post(u.cfg.ProcessURL)
	if err != nil {
		return receipt, &Error{Kind: KindNetwork, Err: fmt.Errorf("process trigger: %w", err)}
	}
	if resp.IsError() {
		return receipt, remoteError("process trigger", resp, apiErr)
	}
	return receipt, nil
}

func remoteError(op string, resp *resty.Response, body apiError) error {
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	err := fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), msg)
	if resp.StatusCode() == http.StatusRequestEntityTooLarge || resp.StatusCode() == http.StatusUnprocessableEntity {
		return &Error{Kind: KindRejected, Err: err}
	}
	return &Error{Kind: KindRemote, Err: err}
}

// IsRetryable reports whether retrying the same save might succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork:
		return !errors.Is(err, context.Canceled)
	case KindRemote:
		return true
	}
	return false
}
