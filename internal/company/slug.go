package company

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/apperr"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/storage"
)

const (
	maxSlugLen      = 63
	maxSlugAttempts = 100
)

// Slugify lowercases name and joins its alphanumeric runs with hyphens
func Slugify(name string) string {
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
		default:
			hyphen = true
		}
	}

	slug := b.String()
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// uniqueSlug returns base, or base-2, base-3... whichever is free first
func (s *Service) uniqueSlug(ctx context.Context, base string) (string, error) {
	if base == "" {
		base = "company"
	}

	slug := base
	for attempt := 2; attempt <= maxSlugAttempts+1; attempt++ {
		taken, err := s.slugTaken(ctx, slug)
		if err != nil {
			return "", err
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, attempt)
	}
	return "", apperr.Conflict("no free slug derived from %q", base)
}

func (s *Service) slugTaken(ctx context.Context, slug string) (bool, error) {
	_, err := s.store.GetCompanyBySlug(ctx, slug)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, apperr.Internal(err, "failed to check slug")
	}
}
