// Package profile mutates the signed-in user's own profile row:
// username changes and avatar uploads.
package profile

import (
	"context"
	"fmt"

	"github.com/h2non/filetype"

	"boltalka/internal/backend"
	"boltalka/internal/content"
	"boltalka/internal/models"
)

type Service struct {
	store   backend.Store
	objects backend.Objects
	bucket  string
	selfID  string
}

func New(store backend.Store, objects backend.Objects, bucket, selfID string) *Service {
	return &Service{store: store, objects: objects, bucket: bucket, selfID: selfID}
}

// UpdateUsername sanitizes and validates the new name before writing
// it. The cleaned name is returned so the caller can show it.
func (s *Service) UpdateUsername(ctx context.Context, username string) (string, error) {
	username = content.Sanitize(username)
	if err := content.ValidateUsername(username); err != nil {
		return "", err
	}
	if err := s.store.UpdateProfile(ctx, s.selfID, backend.ProfilePatch{Username: &username}); err != nil {
		return "", fmt.Errorf("failed to update username: %w", err)
	}
	return username, nil
}

// UploadAvatar sniffs the image type, uploads the bytes under a
// per-user object name and stores the public URL on the profile.
// Non-image data is rejected.
func (s *Service) UploadAvatar(ctx context.Context, data []byte) (string, error) {
	kind, err := filetype.Match(data)
	if err != nil {
		return "", fmt.Errorf("failed to sniff avatar type: %w", err)
	}
	if !filetype.IsImage(data) {
		return "", fmt.Errorf("%w: avatar must be an image, got %q", models.ErrValidation, kind.MIME.Value)
	}

	path := s.selfID + "." + kind.Extension
	if err := s.objects.Upload(ctx, s.bucket, path, data, kind.MIME.Value, true); err != nil {
		return "", fmt.Errorf("failed to upload avatar: %w", err)
	}

	url := s.objects.PublicURL(s.bucket, path)
	if err := s.store.UpdateProfile(ctx, s.selfID, backend.ProfilePatch{AvatarURL: &url}); err != nil {
		return "", fmt.Errorf("failed to store avatar url: %w", err)
	}
	return url, nil
}
