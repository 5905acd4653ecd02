package http

import (
	"time"

	"moltregistry/internal/model"
)

type moltView struct {
	ID                string     `json:"id"`
	DeviceID          string     `json:"deviceId"`
	PublicKey         string     `json:"publicKey"`
	NullifierHash     string     `json:"nullifierHash"`
	VerificationLevel string     `json:"verificationLevel"`
	Verified          bool       `json:"verified"`
	Active            bool       `json:"active"`
	RegisteredAt      time.Time  `json:"registeredAt"`
	LastVerifiedAt    *time.Time `json:"lastVerifiedAt,omitempty"`
	DeactivatedAt     *time.Time `json:"deactivatedAt,omitempty"`
}

func toMoltView(ident model.Identity) moltView {
	return moltView{
		ID:                ident.ID,
		DeviceID:          ident.DeviceID,
		PublicKey:         ident.PublicKey,
		NullifierHash:     ident.NullifierHash,
		VerificationLevel: string(ident.VerificationLevel),
		Verified:          ident.Verified,
		Active:            ident.Active,
		RegisteredAt:      ident.RegisteredAt,
		LastVerifiedAt:    ident.LastVerifiedAt,
		DeactivatedAt:     ident.DeactivatedAt,
	}
}

func toMoltViews(idents []model.Identity) []moltView {
	out := make([]moltView, 0, len(idents))
	for _, ident := range idents {
		out = append(out, toMoltView(ident))
	}
	return out
}

type sessionView struct {
	SessionID   string     `json:"sessionId"`
	Status      string     `json:"status"`
	DeviceID    string     `json:"deviceId"`
	PublicKey   string     `json:"publicKey"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	LastError   *string    `json:"lastError,omitempty"`
	IdentityID  *string    `json:"identityId,omitempty"`
	ProofStored bool       `json:"proofStored"`
}

func toSessionView(sess model.RegistrationSession) sessionView {
	return sessionView{
		SessionID:   sess.ID,
		Status:      string(sess.Status),
		DeviceID:    sess.DeviceID,
		PublicKey:   sess.PublicKey,
		CreatedAt:   sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
		CompletedAt: sess.CompletedAt,
		LastError:   sess.LastError,
		IdentityID:  sess.IdentityID,
		ProofStored: sess.StoredProof != nil && sess.StoredProof.Verified,
	}
}

type postView struct {
	ID                  string    `json:"id"`
	Content             string    `json:"content"`
	AuthorKind          string    `json:"authorKind"`
	AuthorPublicKey     *string   `json:"authorPublicKey,omitempty"`
	AuthorNullifierHash string    `json:"authorNullifierHash"`
	CreatedAt           time.Time `json:"createdAt"`
	Score               int       `json:"score"`
	UpvoteCount         int       `json:"upvoteCount"`
	DownvoteCount       int       `json:"downvoteCount"`
	HumanUpvoteCount    int       `json:"humanUpvoteCount"`
	HumanDownvoteCount  int       `json:"humanDownvoteCount"`
	AgentUpvoteCount    int       `json:"agentUpvoteCount"`
	AgentDownvoteCount  int       `json:"agentDownvoteCount"`
	UniqueHumanCount    int       `json:"uniqueHumanCount"`
}

func toPostView(post model.ForumPost) postView {
	c := post.Counters
	return postView{
		ID:                  post.ID,
		Content:             post.Content,
		AuthorKind:          string(post.AuthorKind),
		AuthorPublicKey:     post.AuthorPublicKey,
		AuthorNullifierHash: post.AuthorNullifierHash,
		CreatedAt:           post.CreatedAt,
		Score:               c.Upvotes - c.Downvotes,
		UpvoteCount:         c.Upvotes,
		DownvoteCount:       c.Downvotes,
		HumanUpvoteCount:    c.HumanUpvotes,
		HumanDownvoteCount:  c.HumanDownvotes,
		AgentUpvoteCount:    c.AgentUpvotes,
		AgentDownvoteCount:  c.AgentDownvotes,
		UniqueHumanCount:    c.UniqueHumans,
	}
}

type voteView struct {
	ID                 string    `json:"id"`
	PostID             string    `json:"postId"`
	Class              string    `json:"voteClass"`
	Direction          string    `json:"direction"`
	VoterPublicKey     *string   `json:"voterPublicKey,omitempty"`
	VoterNullifierHash string    `json:"voterNullifierHash"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func toVoteView(vote model.ForumVote) voteView {
	return voteView{
		ID:                 vote.ID,
		PostID:             vote.PostID,
		Class:              string(vote.Class),
		Direction:          string(vote.Direction),
		VoterPublicKey:     vote.VoterPublicKey,
		VoterNullifierHash: vote.VoterNullifierHash,
		UpdatedAt:          vote.UpdatedAt,
	}
}
