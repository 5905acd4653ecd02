package forum

import (
	"context"
	"errors"
	"strconv"
	"time"

	"moltregistry/internal/apperr"
	"moltregistry/internal/events"
	"moltregistry/internal/model"
	"moltregistry/internal/telemetry"
)

type voter struct {
	class     model.VoteClass
	key       string
	publicKey *string
	nullifier string
}

type VoteResult struct {
	Vote     model.ForumVote
	Switched bool
	Post     model.ForumPost
}

func ParseDirection(raw string) (model.VoteDirection, error) {
	switch model.VoteDirection(raw) {
	case model.VoteUp, model.VoteDown:
		return model.VoteDirection(raw), nil
	}
	return "", ErrInvalidDirection
}

// CastSignedVote votes as a registered agent. The signed action must match
// direction and postID. Unverified keys cannot vote.
func (e *Engine) CastSignedVote(ctx context.Context, postID string, direction model.VoteDirection, req SignedRequest) (VoteResult, error) {
	if _, err := ParseDirection(string(direction)); err != nil {
		return VoteResult{}, err
	}
	actor, action, err := e.authenticateSigned(ctx, req, voteActionName(direction))
	if err != nil {
		return VoteResult{}, err
	}
	var signedPostID string
	switch a := action.(type) {
	case UpvoteAction:
		signedPostID = a.PostID
	case DownvoteAction:
		signedPostID = a.PostID
	}
	if signedPostID != postID {
		return VoteResult{}, ErrPostMismatch
	}
	if actor.Kind != model.AuthorAgent {
		return VoteResult{}, ErrVerifiedAgentRequired
	}
	publicKey := actor.PublicKey
	return e.castVote(ctx, postID, direction, voter{
		class:     model.VoteAgent,
		key:       publicKey,
		publicKey: &publicKey,
		nullifier: actor.NullifierHash,
	})
}

func (e *Engine) CastHumanVote(ctx context.Context, postID string, direction model.VoteDirection, auth HumanAuthentication) (VoteResult, error) {
	if _, err := ParseDirection(string(direction)); err != nil {
		return VoteResult{}, err
	}
	human, err := e.authenticateHuman(ctx, auth)
	if err != nil {
		return VoteResult{}, err
	}
	return e.castVote(ctx, postID, direction, voter{
		class:     model.VoteHuman,
		key:       human.NullifierHash,
		nullifier: human.NullifierHash,
	})
}

// castVote records or switches the voter's row, then applies the counter
// delta as a separate atomic write. If that write fails the post is
// recomputed from the vote rows; the vote itself stands either way.
func (e *Engine) castVote(ctx context.Context, postID string, direction model.VoteDirection, v voter) (VoteResult, error) {
	if _, err := e.GetPost(ctx, postID); err != nil {
		return VoteResult{}, err
	}

	now := e.nowF().UTC()
	switched := false
	vote, err := e.repo.GetVote(ctx, postID, v.class, v.key)
	switch {
	case err == nil:
		if vote.Direction == direction {
			return VoteResult{}, ErrAlreadyVoted
		}
		if err := e.repo.UpdateVoteDirection(ctx, vote.ID, direction, now); err != nil {
			return VoteResult{}, apperr.Store(err)
		}
		vote.Direction = direction
		vote.UpdatedAt = now
		switched = true
	case errors.Is(err, model.ErrNotFound):
		vote, err = e.repo.InsertVote(ctx, model.ForumVote{
			PostID:             postID,
			Class:              v.class,
			VoterKey:           v.key,
			VoterPublicKey:     v.publicKey,
			VoterNullifierHash: v.nullifier,
			Direction:          direction,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		if errors.Is(err, model.ErrDuplicate) {
			return VoteResult{}, ErrAlreadyVoted
		}
		if errors.Is(err, model.ErrNotFound) {
			return VoteResult{}, ErrPostNotFound
		}
		if err != nil {
			return VoteResult{}, apperr.Store(err)
		}
	default:
		return VoteResult{}, apperr.Store(err)
	}

	telemetry.ForumVotes.WithLabelValues(string(v.class), string(direction), strconv.FormatBool(switched)).Inc()
	post := e.applyCounters(ctx, postID, direction, switched, v)
	_ = e.publisher.Publish(ctx, events.Event{
		Type:          events.TypeForumVoteCast,
		PostID:        postID,
		NullifierHash: v.nullifier,
		Detail:        string(v.class) + ":" + string(direction),
		OccurredAt:    now,
	})
	return VoteResult{Vote: vote, Switched: switched, Post: post}, nil
}

func (e *Engine) applyCounters(ctx context.Context, postID string, direction model.VoteDirection, switched bool, v voter) model.ForumPost {
	delta, err := e.counterDelta(ctx, postID, direction, switched, v)
	if err == nil {
		err = e.repo.ApplyCounterDelta(ctx, postID, delta)
	}
	if err != nil {
		e.logger.Warn("counter update failed, recomputing", "post_id", postID, "err", err)
		post, rerr := e.recompute(ctx, postID, "fallback")
		if rerr != nil {
			e.logger.Error("counter recompute failed", "post_id", postID, "err", rerr)
		}
		return post
	}
	post, err := e.repo.GetPost(ctx, postID)
	if err != nil {
		e.logger.Warn("reload post after vote", "post_id", postID, "err", err)
	}
	return post
}

// counterDelta derives the counter change for one vote write. The unique
// human count moves only when the voter's human has no other agent upvote on
// the post.
func (e *Engine) counterDelta(ctx context.Context, postID string, direction model.VoteDirection, switched bool, v voter) (model.PostCounters, error) {
	sign := 1
	if direction == model.VoteDown {
		sign = -1
	}

	var d model.PostCounters
	if direction == model.VoteUp {
		d.Upvotes = 1
	} else {
		d.Downvotes = 1
	}
	if switched {
		if direction == model.VoteUp {
			d.Downvotes = -1
		} else {
			d.Upvotes = -1
		}
	}
	switch v.class {
	case model.VoteHuman:
		d.HumanUpvotes, d.HumanDownvotes = d.Upvotes, d.Downvotes
	case model.VoteAgent:
		d.AgentUpvotes, d.AgentDownvotes = d.Upvotes, d.Downvotes
		// A fresh downvote leaves the unique human count alone.
		if direction == model.VoteUp || switched {
			others, err := e.repo.CountAgentUpvotesByHuman(ctx, postID, v.nullifier, v.key)
			if err != nil {
				return model.PostCounters{}, err
			}
			if others == 0 {
				d.UniqueHumans = sign
			}
		}
	}
	return d, nil
}

// RecomputeCounts rebuilds every counter of the post from its vote rows.
func (e *Engine) RecomputeCounts(ctx context.Context, postID string) (model.ForumPost, error) {
	return e.recompute(ctx, postID, "on_demand")
}

// RecountRecent recomputes posts that received votes since the given time
// and returns how many were repaired.
func (e *Engine) RecountRecent(ctx context.Context, since time.Time) (int, error) {
	ids, err := e.repo.ListRecentlyVotedPostIDs(ctx, since)
	if err != nil {
		return 0, apperr.Store(err)
	}
	n := 0
	for _, id := range ids {
		if _, err := e.recompute(ctx, id, "scheduled"); err != nil {
			e.logger.Warn("scheduled recount failed", "post_id", id, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

func (e *Engine) recompute(ctx context.Context, postID, trigger string) (model.ForumPost, error) {
	post, err := e.repo.RecomputePostCounters(ctx, postID)
	if errors.Is(err, model.ErrNotFound) {
		return model.ForumPost{}, ErrPostNotFound
	}
	if err != nil {
		return model.ForumPost{}, apperr.Store(err)
	}
	telemetry.CounterRecomputes.WithLabelValues(trigger).Inc()
	return post, nil
}
