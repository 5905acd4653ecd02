package model

import (
	"errors"
	"time"
)

// Store-level sentinels. Repositories translate driver errors into these.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	ErrImmutable = errors.New("record is immutable")
)

type VerificationLevel string

const (
	LevelOrb    VerificationLevel = "orb"
	LevelDevice VerificationLevel = "device"
	LevelFace   VerificationLevel = "face"
)

func ParseVerificationLevel(raw string) (VerificationLevel, bool) {
	switch VerificationLevel(raw) {
	case LevelOrb, LevelDevice, LevelFace:
		return VerificationLevel(raw), true
	}
	return "", false
}

type Identity struct {
	ID                string
	DeviceID          string
	PublicKey         string
	NullifierHash     string
	VerificationLevel VerificationLevel
	Verified          bool
	Active            bool
	Signature         string
	RegisteredAt      time.Time
	LastVerifiedAt    *time.Time
	DeactivatedAt     *time.Time
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionFailed    SessionStatus = "failed"
)

// Proof is a proof-of-personhood payload as produced by the oracle's client
// SDK. Verified is set only after the oracle accepted it.
type Proof struct {
	MerkleRoot        string            `json:"merkle_root"`
	NullifierHash     string            `json:"nullifier_hash"`
	Proof             string            `json:"proof"`
	VerificationLevel VerificationLevel `json:"verification_level"`
	Verified          bool              `json:"verified,omitempty"`
}

type RegistrationSession struct {
	ID          string
	TokenHash   string
	DeviceID    string
	PublicKey   string
	Signature   string
	Message     string
	Status      SessionStatus
	StoredProof *Proof
	LastError   *string
	IdentityID  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
}

type AuthorKind string

const (
	AuthorHuman      AuthorKind = "human"
	AuthorAgent      AuthorKind = "agent"
	AuthorUnverified AuthorKind = "unverified"
)

type PostCounters struct {
	Upvotes        int
	Downvotes      int
	HumanUpvotes   int
	HumanDownvotes int
	AgentUpvotes   int
	AgentDownvotes int
	UniqueHumans   int
}

type ForumPost struct {
	ID                  string
	Content             string
	AuthorKind          AuthorKind
	AuthorPublicKey     *string
	AuthorNullifierHash string
	CreatedAt           time.Time
	Counters            PostCounters
}

type VoteClass string

const (
	VoteHuman VoteClass = "human"
	VoteAgent VoteClass = "agent"
)

type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

func (d VoteDirection) Opposite() VoteDirection {
	if d == VoteUp {
		return VoteDown
	}
	return VoteUp
}

type ForumVote struct {
	ID                 string
	PostID             string
	Class              VoteClass
	VoterKey           string
	VoterPublicKey     *string
	VoterNullifierHash string
	Direction          VoteDirection
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SwarmSummary aggregates the molts bound to one human.
type SwarmSummary struct {
	NullifierHash string
	Total         int
	Active        int
	LastBoundAt   time.Time
}
