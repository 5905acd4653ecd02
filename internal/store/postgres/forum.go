package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"moltregistry/internal/model"
)

const postColumns = `id::text, content, author_kind, author_public_key, author_nullifier_hash, created_at,
	upvote_count, downvote_count, human_upvote_count, human_downvote_count,
	agent_upvote_count, agent_downvote_count, unique_human_count`

const voteColumns = `id::text, post_id::text, vote_class, voter_key, voter_public_key,
	voter_nullifier_hash, direction, created_at, updated_at`

func scanPost(row pgx.Row) (model.ForumPost, error) {
	var post model.ForumPost
	var kind string
	c := &post.Counters
	err := row.Scan(
		&post.ID,
		&post.Content,
		&kind,
		&post.AuthorPublicKey,
		&post.AuthorNullifierHash,
		&post.CreatedAt,
		&c.Upvotes,
		&c.Downvotes,
		&c.HumanUpvotes,
		&c.HumanDownvotes,
		&c.AgentUpvotes,
		&c.AgentDownvotes,
		&c.UniqueHumans,
	)
	post.AuthorKind = model.AuthorKind(kind)
	return post, err
}

func scanVote(row pgx.Row) (model.ForumVote, error) {
	var vote model.ForumVote
	var class, direction string
	err := row.Scan(
		&vote.ID,
		&vote.PostID,
		&class,
		&vote.VoterKey,
		&vote.VoterPublicKey,
		&vote.VoterNullifierHash,
		&direction,
		&vote.CreatedAt,
		&vote.UpdatedAt,
	)
	vote.Class = model.VoteClass(class)
	vote.Direction = model.VoteDirection(direction)
	return vote, err
}

func (s *Store) CreatePost(ctx context.Context, post model.ForumPost) (model.ForumPost, error) {
	row := s.db(ctx).QueryRow(ctx, `
		INSERT INTO forum_posts (content, author_kind, author_public_key, author_nullifier_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id::text
	`, post.Content, string(post.AuthorKind), post.AuthorPublicKey, post.AuthorNullifierHash, post.CreatedAt)
	if err := row.Scan(&post.ID); err != nil {
		return model.ForumPost{}, translate(err)
	}
	return post, nil
}

func (s *Store) GetPost(ctx context.Context, id string) (model.ForumPost, error) {
	post, err := scanPost(s.db(ctx).QueryRow(ctx, `SELECT `+postColumns+` FROM forum_posts WHERE id = $1`, id))
	if err != nil {
		return model.ForumPost{}, translate(err)
	}
	return post, nil
}

func (s *Store) ListPosts(ctx context.Context, sortBy string, limit, offset int) ([]model.ForumPost, error) {
	order := `created_at DESC, id DESC`
	if sortBy == "top" {
		order = `(upvote_count - downvote_count) DESC, ` + order
	}
	rows, err := s.db(ctx).Query(ctx, `
		SELECT `+postColumns+`
		FROM forum_posts
		ORDER BY `+order+`
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.ListPosts")
	}
	defer rows.Close()

	var out []model.ForumPost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, errors.Wrap(err, "postgres.ListPosts")
		}
		out = append(out, post)
	}
	return out, errors.Wrap(rows.Err(), "postgres.ListPosts")
}

func (s *Store) HasHumanPost(ctx context.Context, nullifierHash string) (bool, error) {
	var exists bool
	err := s.db(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM forum_posts WHERE author_kind = 'human' AND author_nullifier_hash = $1)
	`, nullifierHash).Scan(&exists)
	return exists, errors.Wrap(err, "postgres.HasHumanPost")
}

func (s *Store) HasHumanFootprint(ctx context.Context, nullifierHash string) (bool, error) {
	var exists bool
	err := s.db(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM forum_posts WHERE author_kind = 'human' AND author_nullifier_hash = $1)
			OR EXISTS (SELECT 1 FROM forum_votes WHERE vote_class = 'human' AND voter_nullifier_hash = $1)
	`, nullifierHash).Scan(&exists)
	return exists, errors.Wrap(err, "postgres.HasHumanFootprint")
}

func (s *Store) GetVote(ctx context.Context, postID string, class model.VoteClass, voterKey string) (model.ForumVote, error) {
	vote, err := scanVote(s.db(ctx).QueryRow(ctx, `
		SELECT `+voteColumns+`
		FROM forum_votes
		WHERE post_id = $1 AND vote_class = $2 AND voter_key = $3
	`, postID, string(class), voterKey))
	if err != nil {
		return model.ForumVote{}, translate(err)
	}
	return vote, nil
}

func (s *Store) InsertVote(ctx context.Context, vote model.ForumVote) (model.ForumVote, error) {
	row := s.db(ctx).QueryRow(ctx, `
		INSERT INTO forum_votes (post_id, vote_class, voter_key, voter_public_key, voter_nullifier_hash,
			direction, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id::text
	`, vote.PostID, string(vote.Class), vote.VoterKey, vote.VoterPublicKey, vote.VoterNullifierHash,
		string(vote.Direction), vote.CreatedAt, vote.UpdatedAt)
	if err := row.Scan(&vote.ID); err != nil {
		return model.ForumVote{}, translateVoteInsert(err)
	}
	return vote, nil
}

// translateVoteInsert reports a missing post as not found rather than as a
// raw foreign key failure.
func translateVoteInsert(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation {
		return model.ErrNotFound
	}
	return translate(err)
}

func (s *Store) UpdateVoteDirection(ctx context.Context, voteID string, direction model.VoteDirection, at time.Time) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE forum_votes SET direction = $2, updated_at = $3 WHERE id = $1
	`, voteID, string(direction), at)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) CountAgentUpvotesByHuman(ctx context.Context, postID, nullifierHash, excludeVoterKey string) (int, error) {
	var n int
	err := s.db(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM forum_votes
		WHERE post_id = $1 AND vote_class = 'agent' AND direction = 'up'
			AND voter_nullifier_hash = $2 AND voter_key <> $3
	`, postID, nullifierHash, excludeVoterKey).Scan(&n)
	return n, errors.Wrap(err, "postgres.CountAgentUpvotesByHuman")
}

func (s *Store) ApplyCounterDelta(ctx context.Context, postID string, delta model.PostCounters) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE forum_posts
		SET upvote_count = upvote_count + $2,
			downvote_count = downvote_count + $3,
			human_upvote_count = human_upvote_count + $4,
			human_downvote_count = human_downvote_count + $5,
			agent_upvote_count = agent_upvote_count + $6,
			agent_downvote_count = agent_downvote_count + $7,
			unique_human_count = unique_human_count + $8
		WHERE id = $1
	`, postID, delta.Upvotes, delta.Downvotes, delta.HumanUpvotes, delta.HumanDownvotes,
		delta.AgentUpvotes, delta.AgentDownvotes, delta.UniqueHumans)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// RecomputePostCounters rebuilds every counter from the vote rows.
func (s *Store) RecomputePostCounters(ctx context.Context, postID string) (model.ForumPost, error) {
	row := s.db(ctx).QueryRow(ctx, `
		WITH tally AS (
			SELECT
				COUNT(*) FILTER (WHERE direction = 'up') AS up,
				COUNT(*) FILTER (WHERE direction = 'down') AS down,
				COUNT(*) FILTER (WHERE vote_class = 'human' AND direction = 'up') AS human_up,
				COUNT(*) FILTER (WHERE vote_class = 'human' AND direction = 'down') AS human_down,
				COUNT(*) FILTER (WHERE vote_class = 'agent' AND direction = 'up') AS agent_up,
				COUNT(*) FILTER (WHERE vote_class = 'agent' AND direction = 'down') AS agent_down,
				COUNT(DISTINCT voter_nullifier_hash) FILTER (WHERE vote_class = 'agent' AND direction = 'up') AS humans
			FROM forum_votes
			WHERE post_id = $1
		)
		UPDATE forum_posts p
		SET upvote_count = t.up,
			downvote_count = t.down,
			human_upvote_count = t.human_up,
			human_downvote_count = t.human_down,
			agent_upvote_count = t.agent_up,
			agent_downvote_count = t.agent_down,
			unique_human_count = t.humans
		FROM tally t
		WHERE p.id = $1
		RETURNING `+postColumns,
		postID)
	post, err := scanPost(row)
	if err != nil {
		return model.ForumPost{}, translate(err)
	}
	return post, nil
}

func (s *Store) ListRecentlyVotedPostIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT DISTINCT post_id::text FROM forum_votes WHERE updated_at >= $1 ORDER BY 1
	`, since)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.ListRecentlyVotedPostIDs")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "postgres.ListRecentlyVotedPostIDs")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "postgres.ListRecentlyVotedPostIDs")
}
