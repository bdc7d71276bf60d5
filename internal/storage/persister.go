package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sdtile/upscaler/internal/client"
	"github.com/sdtile/upscaler/internal/upscaler"
)

// Metadata is written next to an image when the job asks for it.
type Metadata struct {
	JobID   string         `json:"jobId"`
	Batch   int            `json:"batch"`
	Seed    int64          `json:"seed"`
	Extra   map[string]any `json:"extra,omitempty"`
	SavedAt time.Time      `json:"savedAt"`
}

func metadataFor(out upscaler.Output) Metadata {
	return Metadata{
		JobID:   out.JobID,
		Batch:   out.Batch,
		Seed:    out.Seed,
		Extra:   out.Extra,
		SavedAt: time.Now().UTC(),
	}
}

func encode(out upscaler.Output) (img, meta []byte, err error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, out.Image); err != nil {
		return nil, nil, fmt.Errorf("failed to encode png: %w", err)
	}
	img = buf.Bytes()
	if out.Parameters != "" {
		img, err = withTextChunk(img, "parameters", out.Parameters)
		if err != nil {
			return nil, nil, err
		}
	}
	if out.WriteJSON {
		meta, err = json.MarshalIndent(metadataFor(out), "", "  ")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	return img, meta, nil
}

// ObjectPersister uploads images to an S3-compatible bucket under
// upscaled/<jobID>/.
type ObjectPersister struct {
	client       client.StorageClient
	prefix       string
	signedExpiry time.Duration
}

// NewObjectPersister creates a persister. A non-zero signedExpiry makes Save
// return presigned URLs instead of public ones.
func NewObjectPersister(c client.StorageClient, signedExpiry time.Duration) *ObjectPersister {
	return &ObjectPersister{
		client:       c,
		prefix:       "upscaled",
		signedExpiry: signedExpiry,
	}
}

func (p *ObjectPersister) Save(ctx context.Context, out upscaler.Output) (string, error) {
	img, meta, err := encode(out)
	if err != nil {
		return "", err
	}

	base := fmt.Sprintf("%s/%s/%d_%d_%s", p.prefix, out.JobID, out.Batch, out.Seed, uuid.New().String()[:8])
	key := base + ".png"

	url, err := p.client.Upload(ctx, key, bytes.NewReader(img), "image/png")
	if err != nil {
		return "", err
	}

	if meta != nil {
		if _, err := p.client.Upload(ctx, base+".json", bytes.NewReader(meta), "application/json"); err != nil {
			if delErr := p.client.Delete(ctx, key); delErr != nil {
				log.Warn().Err(delErr).Str("key", key).Msg("failed to remove image after metadata upload error")
			}
			return "", fmt.Errorf("failed to upload metadata: %w", err)
		}
	}

	if p.signedExpiry > 0 {
		return p.client.GetSignedURL(ctx, key, p.signedExpiry)
	}
	return url, nil
}

// DiskPersister writes <job>_<batch>_<seed>.png, plus an optional .json
// sidecar, into a local directory.
type DiskPersister struct {
	dir string
}

func NewDiskPersister(dir string) (*DiskPersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &DiskPersister{dir: dir}, nil
}

func (p *DiskPersister) Dir() string {
	return p.dir
}

func (p *DiskPersister) Save(ctx context.Context, out upscaler.Output) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	img, meta, err := encode(out)
	if err != nil {
		return "", err
	}

	base := filepath.Join(p.dir, fmt.Sprintf("%s_%d_%d", out.JobID, out.Batch, out.Seed))
	path := base + ".png"
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if meta != nil {
		if err := os.WriteFile(base+".json", meta, 0o644); err != nil {
			return "", fmt.Errorf("failed to write metadata: %w", err)
		}
	}
	return path, nil
}
