package itemstore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
)

// fakeS3 serves path-style GetObject and PutObject from memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch req.Method {
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			return &http.Response{
				StatusCode: http.StatusNotFound,
				Header:     http.Header{"Content-Type": {"application/xml"}},
				Body:       io.NopCloser(strings.NewReader(`<?xml version="1.0"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)),
			}, nil
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header: http.Header{
				"Content-Length": {strconv.Itoa(len(body))},
				"Content-Type":   {"application/json"},
			},
			Body: io.NopCloser(bytes.NewReader(body)),
		}, nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		f.objects[key] = body
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{"ETag": {`"etag"`}}, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

// decodeChunked unwraps a single-chunk aws-chunked body.
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 || parts[2] != "0" && !strings.HasPrefix(parts[2], "0;") {
		return nil, false
	}
	size, err := strconv.ParseInt(strings.SplitN(parts[0], ";", 2)[0], 16, 64)
	if err != nil || int64(len(parts[1])) != size {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newFakeLoader(t *testing.T) (*S3Loader, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: fake}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://s3.test.local")
	})
	return NewS3LoaderFromClient(client, "items-bucket", "items/"), fake
}

func TestS3LoaderLoadItem(t *testing.T) {
	loader, fake := newFakeLoader(t)
	fake.objects["items/Q1.json"] = []byte(`{"id":"Q1","responses":[{"id":"RESPONSE","cardinality":"single","correct":["a","b"]}]}`)

	def, err := loader.LoadItem(context.Background(), "Q1")
	require.NoError(t, err)
	assert.Equal(t, "Q1", def.ID)
	require.Len(t, def.Responses, 1)
	assert.Equal(t, ir.Strings("a", "b"), def.Responses[0].Correct)
}

func TestS3LoaderMissingItem(t *testing.T) {
	loader, _ := newFakeLoader(t)

	_, err := loader.LoadItem(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, ir.IsItemNotFound(err))
}

func TestS3LoaderBacksCache(t *testing.T) {
	ctx := context.Background()
	loader, _ := newFakeLoader(t)
	require.NoError(t, loader.PutItem(ctx, &ir.ItemDefinition{ID: "Q2", Responses: []ir.ResponseDeclaration{{ID: "RESPONSE", Correct: ir.Strings("x")}}}))

	cache, err := New(2, loader)
	require.NoError(t, err)
	def, err := cache.Get(ctx, "Q2")
	require.NoError(t, err)
	assert.Equal(t, ir.Strings("x"), def.Responses[0].Correct)
}
