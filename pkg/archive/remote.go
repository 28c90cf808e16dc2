package archive

import (
	"context"
	"errors"
	"fmt"
)

var errMissing = errors.New("object missing")

// objects is what a bucket backend must offer. fetch returns errMissing
// for an absent key.
type objects interface {
	stat(ctx context.Context, key string) (bool, error)
	fetch(ctx context.Context, key string) ([]byte, error)
	upload(ctx context.Context, key string, data []byte) error
}

// remote turns a bucket into a Store. Objects live at prefix+hex+".json".
type remote struct {
	objs   objects
	prefix string
	kind   string
}

func (r remote) Put(ctx context.Context, data []byte) (string, error) {
	hash, raw := contentHash(data)
	key := objectKey(r.prefix, raw)
	// An existing object already holds these bytes.
	if found, err := r.objs.stat(ctx, key); err == nil && found {
		return hash, nil
	}
	if err := r.objs.upload(ctx, key, data); err != nil {
		return "", fmt.Errorf("archive: %s upload %s: %w", r.kind, key, err)
	}
	return hash, nil
}

func (r remote) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := r.objs.fetch(ctx, objectKey(r.prefix, raw))
	switch {
	case errors.Is(err, errMissing):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	case err != nil:
		return nil, fmt.Errorf("archive: %s fetch %s: %w", r.kind, hash, err)
	}
	return data, nil
}

func (r remote) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	found, err := r.objs.stat(ctx, objectKey(r.prefix, raw))
	if err != nil {
		return false, fmt.Errorf("archive: %s stat %s: %w", r.kind, hash, err)
	}
	return found, nil
}
