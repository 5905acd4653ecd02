package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"moltregistry/internal/model"
)

func (s *Store) CreatePost(ctx context.Context, post model.ForumPost) (model.ForumPost, error) {
	defer s.lock(ctx)()
	if post.ID == "" {
		post.ID = newID()
	}
	if post.AuthorKind == model.AuthorHuman {
		for _, other := range s.posts {
			if other.AuthorKind == model.AuthorHuman && other.AuthorNullifierHash == post.AuthorNullifierHash {
				return model.ForumPost{}, model.ErrDuplicate
			}
		}
	}
	s.posts[post.ID] = post
	return post, nil
}

func (s *Store) GetPost(ctx context.Context, id string) (model.ForumPost, error) {
	defer s.lock(ctx)()
	post, ok := s.posts[id]
	if !ok {
		return model.ForumPost{}, model.ErrNotFound
	}
	return post, nil
}

func (s *Store) ListPosts(ctx context.Context, sortBy string, limit, offset int) ([]model.ForumPost, error) {
	defer s.lock(ctx)()
	out := make([]model.ForumPost, 0, len(s.posts))
	for _, post := range s.posts {
		out = append(out, post)
	}
	sort.Slice(out, func(i, j int) bool {
		if sortBy == "top" {
			si := out[i].Counters.Upvotes - out[i].Counters.Downvotes
			sj := out[j].Counters.Upvotes - out[j].Counters.Downvotes
			if si != sj {
				return si > sj
			}
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HasHumanPost(ctx context.Context, nullifierHash string) (bool, error) {
	defer s.lock(ctx)()
	for _, post := range s.posts {
		if post.AuthorKind == model.AuthorHuman && post.AuthorNullifierHash == nullifierHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) HasHumanFootprint(ctx context.Context, nullifierHash string) (bool, error) {
	defer s.lock(ctx)()
	for _, post := range s.posts {
		if post.AuthorKind == model.AuthorHuman && post.AuthorNullifierHash == nullifierHash {
			return true, nil
		}
	}
	for _, vote := range s.votes {
		if vote.Class == model.VoteHuman && vote.VoterNullifierHash == nullifierHash {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetVote(ctx context.Context, postID string, class model.VoteClass, voterKey string) (model.ForumVote, error) {
	defer s.lock(ctx)()
	for _, vote := range s.votes {
		if vote.PostID == postID && vote.Class == class && vote.VoterKey == voterKey {
			return vote, nil
		}
	}
	return model.ForumVote{}, model.ErrNotFound
}

func (s *Store) InsertVote(ctx context.Context, vote model.ForumVote) (model.ForumVote, error) {
	defer s.lock(ctx)()
	if _, ok := s.posts[vote.PostID]; !ok {
		return model.ForumVote{}, model.ErrNotFound
	}
	for _, other := range s.votes {
		if other.PostID == vote.PostID && other.Class == vote.Class && other.VoterKey == vote.VoterKey {
			return model.ForumVote{}, model.ErrDuplicate
		}
	}
	if vote.ID == "" {
		vote.ID = newID()
	}
	s.votes[vote.ID] = vote
	return vote, nil
}

func (s *Store) UpdateVoteDirection(ctx context.Context, voteID string, direction model.VoteDirection, at time.Time) error {
	defer s.lock(ctx)()
	vote, ok := s.votes[voteID]
	if !ok {
		return model.ErrNotFound
	}
	vote.Direction = direction
	vote.UpdatedAt = at
	s.votes[voteID] = vote
	return nil
}

func (s *Store) CountAgentUpvotesByHuman(ctx context.Context, postID, nullifierHash, excludeVoterKey string) (int, error) {
	defer s.lock(ctx)()
	n := 0
	for _, vote := range s.votes {
		if vote.PostID == postID && vote.Class == model.VoteAgent && vote.Direction == model.VoteUp &&
			vote.VoterNullifierHash == nullifierHash && vote.VoterKey != excludeVoterKey {
			n++
		}
	}
	return n, nil
}

var errCounterWrite = errors.New("counter write failed")

func (s *Store) ApplyCounterDelta(ctx context.Context, postID string, delta model.PostCounters) error {
	defer s.lock(ctx)()
	if s.FailCounterDeltas {
		return errCounterWrite
	}
	post, ok := s.posts[postID]
	if !ok {
		return model.ErrNotFound
	}
	c := &post.Counters
	c.Upvotes += delta.Upvotes
	c.Downvotes += delta.Downvotes
	c.HumanUpvotes += delta.HumanUpvotes
	c.HumanDownvotes += delta.HumanDownvotes
	c.AgentUpvotes += delta.AgentUpvotes
	c.AgentDownvotes += delta.AgentDownvotes
	c.UniqueHumans += delta.UniqueHumans
	s.posts[postID] = post
	return nil
}

func (s *Store) RecomputePostCounters(ctx context.Context, postID string) (model.ForumPost, error) {
	defer s.lock(ctx)()
	post, ok := s.posts[postID]
	if !ok {
		return model.ForumPost{}, model.ErrNotFound
	}
	var c model.PostCounters
	humans := make(map[string]struct{})
	for _, vote := range s.votes {
		if vote.PostID != postID {
			continue
		}
		up := vote.Direction == model.VoteUp
		if up {
			c.Upvotes++
		} else {
			c.Downvotes++
		}
		switch vote.Class {
		case model.VoteHuman:
			if up {
				c.HumanUpvotes++
			} else {
				c.HumanDownvotes++
			}
		case model.VoteAgent:
			if up {
				c.AgentUpvotes++
				humans[vote.VoterNullifierHash] = struct{}{}
			} else {
				c.AgentDownvotes++
			}
		}
	}
	c.UniqueHumans = len(humans)
	post.Counters = c
	s.posts[postID] = post
	return post, nil
}

func (s *Store) ListRecentlyVotedPostIDs(ctx context.Context, since time.Time) ([]string, error) {
	defer s.lock(ctx)()
	seen := make(map[string]struct{})
	var out []string
	for _, vote := range s.votes {
		if vote.UpdatedAt.Before(since) {
			continue
		}
		if _, ok := seen[vote.PostID]; ok {
			continue
		}
		seen[vote.PostID] = struct{}{}
		out = append(out, vote.PostID)
	}
	sort.Strings(out)
	return out, nil
}
