package response

import (
	"context"
	"fmt"

	"github.com/roach88/qtinav/internal/ir"
)

// Buckets used by Persistent.
const (
	BucketResponse = "response"
	BucketCorrect  = "correct"
)

// KV is the durable key/value storage behind Persistent. Implementations
// are scoped to a single delivery execution.
type KV interface {
	Put(ctx context.Context, bucket, key string, value []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Clear(ctx context.Context, bucket string) error
}

// Persistent is a Store that writes through to a KV so responses survive a
// restart of the client.
type Persistent struct {
	kv KV
}

// NewPersistent wraps kv.
func NewPersistent(kv KV) *Persistent {
	return &Persistent{kv: kv}
}

func (p *Persistent) AddResponse(ctx context.Context, id string, value ir.Value) error {
	b, err := ir.MarshalValue(value)
	if err != nil {
		return fmt.Errorf("encode response %q: %w", id, err)
	}
	return p.kv.Put(ctx, BucketResponse, id, b)
}

func (p *Persistent) GetResponse(ctx context.Context, id string) (ir.Value, bool, error) {
	b, ok, err := p.kv.Get(ctx, BucketResponse, id)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := ir.DecodeValue(b)
	if err != nil {
		return nil, false, fmt.Errorf("decode response %q: %w", id, err)
	}
	return v, true, nil
}

func (p *Persistent) AddCorrectResponse(ctx context.Context, id string, values []ir.Value) error {
	b, err := ir.MarshalValue(ir.List(values))
	if err != nil {
		return fmt.Errorf("encode correct response %q: %w", id, err)
	}
	return p.kv.Put(ctx, BucketCorrect, id, b)
}

func (p *Persistent) GetCorrectResponse(ctx context.Context, id string) ([]ir.Value, error) {
	b, ok, err := p.kv.Get(ctx, BucketCorrect, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []ir.Value{}, nil
	}
	v, err := ir.DecodeValue(b)
	if err != nil {
		return nil, fmt.Errorf("decode correct response %q: %w", id, err)
	}
	list, ok := v.(ir.List)
	if !ok {
		return nil, fmt.Errorf("correct response %q: expected list, got %T", id, v)
	}
	return []ir.Value(list), nil
}

func (p *Persistent) Clear(ctx context.Context) error {
	if err := p.kv.Clear(ctx, BucketResponse); err != nil {
		return err
	}
	return p.kv.Clear(ctx, BucketCorrect)
}
