package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lenslate/internal/lens"
	"lenslate/internal/metrics"
	"lenslate/internal/policy/image"
)

func TestDecodeDataURL(t *testing.T) {
	t.Parallel()

	ct, raw, err := decodeDataURL("data:image/png;base64,cG5n")
	require.NoError(t, err)
	assert.Equal(t, "image/png", ct)
	assert.Equal(t, []byte("png"), raw)

	ct, _, err = decodeDataURL("data:;base64,cG5n")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", ct)

	_, _, err = decodeDataURL("data:image/png;base64")
	require.EqualError(t, err, "malformed data URL")

	_, _, err = decodeDataURL("data:image/png;base64,!!!")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode data URL")
}

func TestWorkerBuildBlobPath(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil, nil, image.Policy{}, nil, Config{BlobPrefix: "/ocr/"}, zap.NewNop())
	assert.Equal(t, "ocr/job/hash.png", w.buildBlobPath("job", "hash", "image/png"))
	assert.Equal(t, "ocr/job/hash.jpeg", w.buildBlobPath("job", "hash", "image/jpeg"))
	assert.Equal(t, "ocr/job/hash.bin", w.buildBlobPath("job", "hash", "text/html"))

	w.cfg.BlobPrefix = ""
	assert.Equal(t, "job/hash.png", w.buildBlobPath("job", "hash", "image/png"))
}

func TestApplyImagePolicyKeepsSmallImages(t *testing.T) {
	t.Parallel()
	metrics.Init()

	w := New(nil, nil, nil, nil, nil, nil, nil, &fakeHasher{}, &fakeClock{now: time.Unix(0, 0)},
		image.Policy{MaxBytes: 1000}, nil, Config{}, zap.NewNop())

	job := lens.Job{Mode: string(lens.ModeImages)}
	doc := lens.Document{lens.DocKeyImage: "data:image/png;base64,AAAA"}
	w.applyImagePolicy(context.Background(), zap.NewNop(), "job-1", &job, doc)

	assert.Equal(t, "data:image/png;base64,AAAA", doc[lens.DocKeyImage])
	assert.Nil(t, job.Metadata.Extra)
}

func TestApplyImagePolicyOffloadFailureFallsBackToDrop(t *testing.T) {
	t.Parallel()
	metrics.Init()

	// Offload enabled but no blob store wired: the image must still come out.
	w := New(nil, nil, nil, nil, nil, nil, nil, &fakeHasher{}, &fakeClock{now: time.Unix(0, 0)},
		image.Policy{MaxBytes: 4, OffloadEnabled: true}, nil, Config{}, zap.NewNop())

	job := lens.Job{Mode: string(lens.ModeImages)}
	doc := lens.Document{lens.DocKeyImage: "data:image/png;base64,AAAA"}
	w.applyImagePolicy(context.Background(), zap.NewNop(), "job-2", &job, doc)

	_, hasImage := doc[lens.DocKeyImage]
	assert.False(t, hasImage)
	_, hasBlob := doc[lens.DocKeyBlobURI]
	assert.False(t, hasBlob)

	entry, ok := job.Metadata.Extra[string(lens.ModeImages)].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, entry["dropped_ocr_image_due_to_size"])
}
