package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/stratum/internal/storage"
	"github.com/scrypster/stratum/pkg/types"
)

const episodeColumns = `id, scope, title, content, lesson_type, quality, created_at`

// AddEpisode inserts a new episode unless its content is near-duplicate of an
// existing episode in the same scope. Duplicates yield a Rejection and zero
// storage mutation. Episodes are immutable once accepted — there is no update
// path; a correction is a new episode that outranks the old one by quality.
func (s *Store) AddEpisode(ctx context.Context, scope types.Scope, title, content string, lessonType types.LessonType, quality float64) (*types.Episode, *storage.Rejection, error) {
	ep := &types.Episode{
		ID:         uuid.New().String(),
		Scope:      scope,
		Title:      title,
		Content:    content,
		LessonType: lessonType,
		Quality:    quality,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ep.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	// The similarity check and the insert run in one transaction so that two
	// concurrent near-identical writes cannot both pass the check.
	var rejection *storage.Rejection
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, content FROM episodes WHERE scope = ?`, scope)
		if err != nil {
			return fmt.Errorf("%w: query episodes: %v", storage.ErrStorage, err)
		}
		defer rows.Close()

		newTokens := tokenSet(content)
		for rows.Next() {
			var id, existing string
			if err := rows.Scan(&id, &existing); err != nil {
				return fmt.Errorf("%w: scan episode: %v", storage.ErrStorage, err)
			}
			if sim := tokenOverlap(newTokens, tokenSet(existing)); sim >= s.dupThreshold {
				rejection = &storage.Rejection{
					Reason:     storage.RejectDuplicate,
					Detail:     fmt.Sprintf("content similarity %.2f >= %.2f against existing episode", sim, s.dupThreshold),
					ExistingID: id,
				}
				return nil
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: iterate episodes: %v", storage.ErrStorage, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO episodes (`+episodeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ep.ID, ep.Scope, ep.Title, ep.Content, ep.LessonType, ep.Quality, ep.CreatedAt); err != nil {
			return fmt.Errorf("%w: insert episode: %v", storage.ErrStorage, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if rejection != nil {
		return nil, rejection, nil
	}
	return ep, nil, nil
}

// ListEpisodes returns episodes in scope ordered by quality descending then
// created_at descending.
func (s *Store) ListEpisodes(ctx context.Context, scope types.Scope, opts storage.EpisodeListOptions) ([]types.Episode, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if opts.LessonType != "" && !opts.LessonType.Valid() {
		return nil, fmt.Errorf("%w: invalid lesson_type %q", storage.ErrValidation, opts.LessonType)
	}
	opts.Normalize()

	query := `SELECT ` + episodeColumns + ` FROM episodes WHERE scope = ? AND quality >= ?`
	args := []any{scope, opts.MinQuality}
	if opts.LessonType != "" {
		query += ` AND lesson_type = ?`
		args = append(args, opts.LessonType)
	}
	query += ` ORDER BY quality DESC, created_at DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list episodes: %v", storage.ErrStorage, err)
	}
	defer rows.Close()

	var episodes []types.Episode
	for rows.Next() {
		var e types.Episode
		if err := rows.Scan(&e.ID, &e.Scope, &e.Title, &e.Content, &e.LessonType, &e.Quality, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan episode: %v", storage.ErrStorage, err)
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

// tokenSet lowercases content and returns its set of word tokens.
func tokenSet(content string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(content))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[strings.Trim(f, ".,;:!?\"'()[]")] = struct{}{}
	}
	delete(set, "")
	return set
}

// tokenOverlap computes the Jaccard ratio of two token sets: the size of the
// intersection over the size of the union.
func tokenOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
