package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"meetrec/encoder"
	"meetrec/log"
	"meetrec/recorder"
	"meetrec/save"
)

var errNoUploadURL = errors.New("no upload URL configured (set upload_url under [save] or MEETREC_UPLOAD_URL)")

func newUploadCmd() *cobra.Command {
	var (
		retries   uint64
		noProcess bool
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Send a saved recording to the backend",
		Long: `Upload a WAV or FLAC recording, such as one saved while offline or whose
upload failed, and trigger processing. Network and server errors are retried
with backoff; rejected recordings are not.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if noProcess {
				cfg.Save.ProcessURL = ""
			}
			u := cfg.Uploader()
			if u == nil {
				return errNoUploadURL
			}
			b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
			_, err := uploadFile(cmd.Context(), u, args[0], b, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().Uint64Var(&retries, "retries", 3, "retry attempts for network and server errors")
	cmd.Flags().BoolVar(&noProcess, "no-process", false, "upload only, do not trigger processing")
	return cmd
}

// uploadFile sends the recording at path through s. A failed upload is
// retried per b while the error is retryable. Once the upload itself has
// succeeded nothing is retried, so a failed processing trigger is returned
// along with the receipt.
func uploadFile(ctx context.Context, s save.Saver, path string, b backoff.BackOff, w io.Writer) (*save.Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	info, err := encoder.Inspect(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	blob := &recorder.Blob{Data: data, MIMEType: info.MIMEType}
	durationMs := info.Duration.Milliseconds()

	var receipt *save.Receipt
	op := func() error {
		r, err := s.Save(ctx, blob, durationMs)
		if r != nil {
			receipt = r
		}
		if err == nil {
			return nil
		}
		if r != nil || !save.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, d time.Duration) {
		log.Warnf("upload of %s failed, retrying in %s: %v", path, d, err)
		fmt.Fprintf(w, "upload failed, retrying in %s: %v\n", d.Round(time.Millisecond), err)
	}
	err = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)

	if receipt != nil {
		fmt.Fprintf(w, "uploaded %s (%s, %d bytes) as %s\n", path, formatDuration(info.Duration), blob.Size(), receipt.RemoteID)
		if receipt.URL != "" {
			fmt.Fprintln(w, receipt.URL)
		}
	}
	if err != nil {
		if receipt != nil {
			return receipt, fmt.Errorf("processing not started: %w", err)
		}
		return nil, err
	}
	return receipt, nil
}
