package modelstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/ocppguard/pkg/detectors"
	"github.com/hed1ad/ocppguard/pkg/detectors/autoencoder"
	"github.com/hed1ad/ocppguard/pkg/features"
)

// fakeS3 keeps objects in memory.
type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.StringValue(in.Bucket)+"/"+aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "the specified key does not exist", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func trainedBundle(t *testing.T) (*Bundle, [][][]float64, []float64) {
	t.Helper()

	rng := rand.New(rand.NewSource(5))
	raw := make([][]float64, 40)
	for i := range raw {
		raw[i] = []float64{float64(rng.Intn(10)), 1, float64(rng.Intn(10))}
	}

	norm := features.NewNormalizer()
	require.NoError(t, norm.Fit(raw))
	z, err := norm.Apply(raw)
	require.NoError(t, err)
	windows := features.Window(z, 4)

	m, err := autoencoder.New(autoencoder.WithSequenceLength(4), autoencoder.WithHiddenDim(8), autoencoder.WithDepth(1))
	require.NoError(t, err)
	_, err = m.Trainer().Train(context.Background(), windows, detectors.TrainConfig{Epochs: 5, BatchSize: 8, LearningRate: 0.01})
	require.NoError(t, err)

	scores, err := m.Scorer().ReconstructionErrors(windows)
	require.NoError(t, err)

	b, err := NewBundle(m, norm, features.KindStatus, "run-1")
	require.NoError(t, err)
	return b, windows, scores
}

func TestFileStoreRoundTrip(t *testing.T) {
	b, windows, scores := trainedBundle(t)
	store := NewFileStore(filepath.Join(t.TempDir(), "models", "ocpp.gob"))

	require.NoError(t, store.Save(context.Background(), b))

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, b.Hyper, loaded.Hyper)
	assert.Equal(t, b.Norm, loaded.Norm)
	assert.Equal(t, "run-1", loaded.RunID)

	m, err := autoencoder.New()
	require.NoError(t, err)
	norm := features.NewNormalizer()
	require.NoError(t, loaded.Restore(m, norm))

	got, err := m.Scorer().ReconstructionErrors(windows)
	require.NoError(t, err)
	assert.Equal(t, scores, got)

	entries, err := os.ReadDir(filepath.Dir(store.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestFileStoreNotFound(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.gob"))
	_, err := store.Load(context.Background())
	assert.True(t, errors.Is(err, ErrModelNotFound))
}

func TestIncompleteBundle(t *testing.T) {
	b, _, _ := trainedBundle(t)

	tests := []struct {
		name   string
		mutate func(*Bundle)
	}{
		{name: "no model", mutate: func(b *Bundle) { b.Model = nil }},
		{name: "no normalization", mutate: func(b *Bundle) { b.Norm = nil }},
		{name: "no hyperparameters", mutate: func(b *Bundle) { b.Hyper = autoencoder.Hyperparameters{} }},
		{name: "ragged normalization", mutate: func(b *Bundle) { b.Norm = &features.Params{Mean: []float64{1}} }},
		{name: "zero hidden dim", mutate: func(b *Bundle) { b.Hyper.HiddenDim = 0 }},
		{name: "zero depth", mutate: func(b *Bundle) { b.Hyper.Depth = 0 }},
		{
			name: "normalization wider than input",
			mutate: func(b *Bundle) {
				b.Norm = &features.Params{Mean: []float64{0, 0, 0, 0}, Std: []float64{1, 1, 1, 1}}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *b
			tt.mutate(&c)
			assert.True(t, errors.Is(c.Validate(), ErrIncompleteBundle))

			_, err := Encode(&c)
			assert.True(t, errors.Is(err, ErrIncompleteBundle))
		})
	}

	var nilBundle *Bundle
	assert.True(t, errors.Is(nilBundle.Validate(), ErrIncompleteBundle))
}

func TestRestoreRejectsMismatchedShape(t *testing.T) {
	b, _, _ := trainedBundle(t)
	c := *b
	c.Hyper.HiddenDim = 16

	m, err := autoencoder.New()
	require.NoError(t, err)
	before := m.Hyperparameters()
	n := features.NewNormalizer()

	err = c.Restore(m, n)
	assert.True(t, errors.Is(err, ErrIncompleteBundle))
	assert.False(t, m.Trained())
	assert.Equal(t, before, m.Hyperparameters())
	assert.False(t, n.Fitted())
}

func TestNewBundleRequiresTraining(t *testing.T) {
	m, err := autoencoder.New()
	require.NoError(t, err)

	_, err = NewBundle(m, features.NewNormalizer(), features.KindStatus, "run")
	assert.True(t, errors.Is(err, detectors.ErrNotTrained))
}

func TestS3StoreRoundTrip(t *testing.T) {
	b, windows, scores := trainedBundle(t)
	client := newFakeS3()
	store := NewS3Store(client, "models", "ocpp/latest.gob")

	_, err := store.Load(context.Background())
	assert.True(t, errors.Is(err, ErrModelNotFound))

	require.NoError(t, store.Save(context.Background(), b))
	assert.Contains(t, client.objects, "models/ocpp/latest.gob")

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)

	m, err := autoencoder.New()
	require.NoError(t, err)
	norm := features.NewNormalizer()
	require.NoError(t, loaded.Restore(m, norm))

	got, err := m.Scorer().ReconstructionErrors(windows)
	require.NoError(t, err)
	assert.Equal(t, scores, got)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("nope"))
	assert.Error(t, err)
}
