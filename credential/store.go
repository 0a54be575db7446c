package credential

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-authgate/session-client/token"
)

// Persisted key layout.
const (
	KeyAccessToken  = "soj_access_token"
	KeyRefreshToken = "soj_refresh_token"
	KeySubjectID    = "soj_user_id"
	KeyLevel        = "soj_user_role"

	// DraftPrefix namespaces per-draft cached submissions; Clear sweeps it.
	DraftPrefix = "soj_draft_"
)

var credentialKeys = []string{KeyAccessToken, KeyRefreshToken, KeySubjectID, KeyLevel}

// Record is the credential state of the current user.
// Empty tokens are absent; a nil Identity means no identity could be derived.
type Record struct {
	AccessToken  string
	RefreshToken string
	Identity     *token.Identity
}

// Authenticated reports whether an access token is present.
func (r Record) Authenticated() bool {
	return r.AccessToken != ""
}

// Store holds the credential record on top of a Backend.
// Identity keys are always derived from the access token; callers cannot set them.
type Store struct {
	backend Backend
}

// NewStore creates a Store over backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the stored record. An empty store yields an empty Record.
func (s *Store) Get(ctx context.Context) (Record, error) {
	values, err := s.backend.GetMany(ctx, credentialKeys...)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
	}
	subject, hasSubject := values[KeySubjectID]
	if !hasSubject {
		return rec, nil
	}
	level := values[KeyLevel]

	id, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return rec, nil
	}
	lvl, _ := strconv.Atoi(level)
	rec.Identity = &token.Identity{SubjectID: id, Level: lvl}
	return rec, nil
}

// Set replaces the whole record. rec.Identity is ignored and re-derived
// from rec.AccessToken.
func (s *Store) Set(ctx context.Context, rec Record) error {
	values := map[string]string{}
	var remove []string

	if rec.RefreshToken != "" {
		values[KeyRefreshToken] = rec.RefreshToken
	} else {
		remove = append(remove, KeyRefreshToken)
	}
	remove = append(remove, s.accessValues(rec.AccessToken, values)...)

	return s.write(ctx, values, remove)
}

// UpdateAccessToken replaces only the access token and its derived identity.
func (s *Store) UpdateAccessToken(ctx context.Context, accessToken string) error {
	values := map[string]string{}
	remove := s.accessValues(accessToken, values)
	return s.write(ctx, values, remove)
}

// UpdateRefreshToken replaces only the refresh token.
func (s *Store) UpdateRefreshToken(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return s.backend.Delete(ctx, KeyRefreshToken)
	}
	return s.backend.Set(ctx, map[string]string{KeyRefreshToken: refreshToken})
}

// Clear erases every credential key and all cached drafts.
func (s *Store) Clear(ctx context.Context) error {
	drafts, err := s.backend.Keys(ctx, DraftPrefix)
	if err != nil {
		return fmt.Errorf("failed to list drafts: %w", err)
	}
	keys := append(append([]string{}, credentialKeys...), drafts...)
	if err := s.backend.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

// SaveDraft caches a draft submission for the current user.
func (s *Store) SaveDraft(ctx context.Context, id, content string) error {
	return s.backend.Set(ctx, map[string]string{DraftPrefix + id: content})
}

// Draft returns a cached draft submission.
func (s *Store) Draft(ctx context.Context, id string) (string, bool, error) {
	return s.backend.Get(ctx, DraftPrefix+id)
}

// accessValues fills values with the access token and its identity keys and
// returns the keys that must be removed instead.
func (s *Store) accessValues(accessToken string, values map[string]string) []string {
	if accessToken == "" {
		return []string{KeyAccessToken, KeySubjectID, KeyLevel}
	}

	values[KeyAccessToken] = accessToken
	id, ok := token.Decode(accessToken)
	if !ok {
		return []string{KeySubjectID, KeyLevel}
	}
	values[KeySubjectID] = strconv.FormatInt(id.SubjectID, 10)
	values[KeyLevel] = strconv.Itoa(id.Level)
	return nil
}

func (s *Store) write(ctx context.Context, values map[string]string, remove []string) error {
	if len(remove) > 0 {
		if err := s.backend.Delete(ctx, remove...); err != nil {
			return fmt.Errorf("failed to update credentials: %w", err)
		}
	}
	if len(values) > 0 {
		if err := s.backend.Set(ctx, values); err != nil {
			return fmt.Errorf("failed to update credentials: %w", err)
		}
	}
	return nil
}
