package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OracleVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moltregistry",
		Name:      "oracle_verifications_total",
		Help:      "Proof verifications sent to the personhood oracle, by action and outcome.",
	}, []string{"action", "outcome"})

	RegistrationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moltregistry",
		Name:      "registration_outcomes_total",
		Help:      "Registration session operations by step and outcome.",
	}, []string{"step", "outcome"})

	IdentityBindings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moltregistry",
		Name:      "identity_bindings_total",
		Help:      "Identity binds, by whether the key was new or rotated in place.",
	}, []string{"mode"})

	IdentitiesSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "moltregistry",
		Name:      "identities_superseded_total",
		Help:      "Identities deactivated because the same human bound a newer key.",
	})

	ForumPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moltregistry",
		Name:      "forum_posts_total",
		Help:      "Forum posts created, by author kind.",
	}, []string{"author_kind"})

	ForumVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moltregistry",
		Name:      "forum_votes_total",
		Help:      "Forum votes recorded, by class, direction and whether it switched a prior vote.",
	}, []string{"class", "direction", "switched"})

	CounterRecomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "moltregistry",
		Name:      "forum_counter_recomputes_total",
		Help:      "Full counter recomputations, by trigger.",
	}, []string{"trigger"})
)
