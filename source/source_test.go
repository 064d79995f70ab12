package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name     string
		filename string
		data     []byte
	}{
		{
			name:     "nutrient table",
			filename: "nutrients.json",
			data:     []byte(`{"entries": [{"label": "rice", "per_100g": {"calories": 130}}]}`),
		},
		{
			name:     "empty priors",
			filename: "priors.json",
			data:     []byte(`{}`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filePath := filepath.Join(tmpDir, tt.filename)
			require.NoError(t, os.WriteFile(filePath, tt.data, 0644))

			loaded, err := NewFileSource(filePath).Load(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.data, loaded)
		})
	}

	t.Run("load nonexistent file", func(t *testing.T) {
		_, err := NewFileSource(filepath.Join(tmpDir, "nonexistent.json")).Load(context.Background())
		assert.Error(t, err)
		assert.True(t, os.IsNotExist(err))
	})
}

type fakeS3 struct {
	objects map[string][]byte
	gotKey  string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotKey = aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	data, ok := f.objects[f.gotKey]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Source(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"artifacts/tables/nutrients.json": []byte(`{"entries":[]}`)}}

	data, err := NewS3Source(fake, "artifacts", "tables/nutrients.json").Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"entries":[]}`, string(data))
	assert.Equal(t, "artifacts/tables/nutrients.json", fake.gotKey)

	_, err = NewS3Source(fake, "artifacts", "missing.json").Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://artifacts/missing.json")
}

func TestStaticSource(t *testing.T) {
	data, err := NewStaticSource([]byte("x")).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	_, err = NewStaticSourceWithError().Load(context.Background())
	assert.Error(t, err)
}
