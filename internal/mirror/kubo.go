package mirror

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
)

// DefaultKuboTimeout bounds one add request.
const DefaultKuboTimeout = 30 * time.Second

// KuboUploader adds payloads to an IPFS node through its HTTP RPC API.
type KuboUploader struct {
	sh *shell.Shell
}

// NewKuboUploader creates an uploader for the node at apiURL (e.g. http://127.0.0.1:5001).
func NewKuboUploader(apiURL string, client *http.Client) *KuboUploader {
	if client == nil {
		client = &http.Client{Timeout: DefaultKuboTimeout}
	}
	return &KuboUploader{sh: shell.NewShellWithClient(strings.TrimRight(apiURL, "/"), client)}
}

type addResult struct {
	cid string
	err error
}

// Upload implements Uploader. The file is pinned on the node; filename is only logged
// since a single-file add is addressed by its CID alone.
func (k *KuboUploader) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	// Shell.Add has no context parameter; the HTTP client timeout ends an abandoned add.
	done := make(chan addResult, 1)
	go func() {
		cid, err := k.sh.Add(bytes.NewReader(data), shell.Pin(true))
		done <- addResult{cid: cid, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("kubo add of %s abandoned: %w", filename, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("kubo add failed: %w", res.err)
		}
		if res.cid == "" {
			return "", fmt.Errorf("kubo add response has no hash")
		}
		slog.Debug("KuboUploader.Upload succeeded", "filename", filename, "cid", res.cid)
		return res.cid, nil
	}
}
