package local

import (
	"context"
	"fmt"
	"sync"

	"boltalka/internal/models"
)

type object struct {
	data        []byte
	contentType string
}

// objectStore is an in-memory stand-in for the backend's bucket
// storage. Uploads are keyed by bucket and path with upsert semantics.
type objectStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

func objectKey(bucket, path string) string {
	return bucket + "/" + path
}

func (b *Backend) Upload(ctx context.Context, bucket, path string, data []byte, contentType string, upsert bool) error {
	b.objects.mu.Lock()
	defer b.objects.mu.Unlock()

	key := objectKey(bucket, path)
	if _, exists := b.objects.objects[key]; exists && !upsert {
		return fmt.Errorf("%w: object %s already exists", models.ErrValidation, key)
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	b.objects.objects[key] = object{data: stored, contentType: contentType}
	return nil
}

func (b *Backend) PublicURL(bucket, path string) string {
	return "local://" + objectKey(bucket, path)
}

// Object returns a stored object's content and content type. Used by
// tests and the dev shell.
func (b *Backend) Object(bucket, path string) ([]byte, string, bool) {
	b.objects.mu.RLock()
	defer b.objects.mu.RUnlock()
	obj, ok := b.objects.objects[objectKey(bucket, path)]
	return obj.data, obj.contentType, ok
}
