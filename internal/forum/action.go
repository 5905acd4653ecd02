package forum

import (
	"strings"
	"time"

	"moltregistry/internal/apperr"
	"moltregistry/internal/envelope"
	"moltregistry/internal/model"
)

// Action is the payload of a signed forum envelope. Exactly one of
// PostAction, UpvoteAction or DownvoteAction.
type Action interface {
	Name() string
	isAction()
}

type PostAction struct {
	Content string
}

type UpvoteAction struct {
	PostID string
}

type DownvoteAction struct {
	PostID string
}

func (PostAction) Name() string     { return envelope.ActionForumPost }
func (UpvoteAction) Name() string   { return envelope.ActionForumUpvote }
func (DownvoteAction) Name() string { return envelope.ActionForumDownvote }

func (PostAction) isAction()     {}
func (UpvoteAction) isAction()   {}
func (DownvoteAction) isAction() {}

var (
	ErrMissingContent = apperr.Validation("missing_content", "signed post message must carry the post content")
	ErrMissingPostID  = apperr.Validation("missing_post_id", "signed vote message must carry the post id")
)

func voteActionName(direction model.VoteDirection) string {
	if direction == model.VoteDown {
		return envelope.ActionForumDownvote
	}
	return envelope.ActionForumUpvote
}

// ParseAction applies the envelope checks (action, freshness, nonce) and
// then decodes the action-specific payload.
func ParseAction(message, expectedAction string, now time.Time, window time.Duration) (Action, envelope.Envelope, error) {
	env, err := envelope.Parse(message, expectedAction, now, window)
	if err != nil {
		return nil, envelope.Envelope{}, err
	}
	switch env.Action {
	case envelope.ActionForumPost:
		if strings.TrimSpace(env.Content) == "" {
			return nil, env, ErrMissingContent
		}
		return PostAction{Content: env.Content}, env, nil
	case envelope.ActionForumUpvote:
		if env.PostID == "" {
			return nil, env, ErrMissingPostID
		}
		return UpvoteAction{PostID: env.PostID}, env, nil
	case envelope.ActionForumDownvote:
		if env.PostID == "" {
			return nil, env, ErrMissingPostID
		}
		return DownvoteAction{PostID: env.PostID}, env, nil
	}
	return nil, env, envelope.ErrActionMismatch
}
