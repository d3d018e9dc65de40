package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/store"
)

// stubVoter returns a fixed ballot.
type stubVoter struct {
	id         string
	decision   string
	confidence float64
	err        error
	delay      time.Duration
}

func (v *stubVoter) ID() string { return v.id }

func (v *stubVoter) Vote(ctx context.Context, s Subject) (Ballot, error) {
	if v.delay > 0 {
		select {
		case <-time.After(v.delay):
		case <-ctx.Done():
			return Ballot{}, ctx.Err()
		}
	}
	if v.err != nil {
		return Ballot{}, v.err
	}
	return Ballot{Decision: v.decision, Confidence: v.confidence, Rationale: "stub"}, nil
}

func newTestEngine(t *testing.T, cfg config.ConsensusConfig) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if cfg.VoteTimeout == 0 {
		cfg.VoteTimeout = config.Duration(time.Second)
	}
	return New(s, nil, cfg), s
}

func approve(id string) Voter { return &stubVoter{id: id, decision: VoteApprove, confidence: 1} }
func reject(id string) Voter  { return &stubVoter{id: id, decision: VoteReject, confidence: 1} }
func abstain(id string) Voter { return &stubVoter{id: id, decision: VoteAbstain} }

func TestMajorityApprove(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{Rule: "majority", Quorum: 2})

	res, err := e.RequestVotes(context.Background(), Subject{TaskID: "t1", Title: "review"},
		[]Voter{approve("a"), approve("b"), reject("c")})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionApprove {
		t.Errorf("decision = %s, want %s", res.Decision, DecisionApprove)
	}
}

func TestMajorityTieIsNoConsensus(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{Rule: "majority", Quorum: 2})

	res, err := e.RequestVotes(context.Background(), Subject{TaskID: "t1"},
		[]Voter{approve("a"), reject("b")})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionNoConsensus {
		t.Errorf("decision = %s, want %s", res.Decision, DecisionNoConsensus)
	}
}

func TestAbstainExcludedFromBothSides(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{Rule: "majority", Quorum: 2})

	// 2 approve, 1 reject, 2 abstain: abstains must not dilute the majority.
	res, err := e.RequestVotes(context.Background(), Subject{TaskID: "t1"},
		[]Voter{approve("a"), approve("b"), reject("c"), abstain("d"), abstain("e")})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionApprove {
		t.Errorf("decision = %s, want %s", res.Decision, DecisionApprove)
	}
}

func TestQuorumNotMetEscalates(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{Rule: "majority", Quorum: 2})

	// One vote cast, one abstain: abstains never count toward quorum.
	res, err := e.RequestVotes(context.Background(), Subject{TaskID: "t1"},
		[]Voter{approve("a"), abstain("b")})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionEscalate {
		t.Errorf("decision = %s, want %s", res.Decision, DecisionEscalate)
	}
}

func TestVoterErrorCountsAsAbstain(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{Rule: "majority", Quorum: 2})

	broken := &stubVoter{id: "broken", err: errors.New("voter crashed")}
	res, err := e.RequestVotes(context.Background(), Subject{TaskID: "t1"},
		[]Voter{approve("a"), approve("b"), broken})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionApprove {
		t.Errorf("decision = %s, want %s", res.Decision, DecisionApprove)
	}
	for _, b := range res.Ballots {
		if b.Voter == "broken" && b.Decision != VoteAbstain {
			t.Errorf("broken voter ballot = %s, want %s", b.Decision, VoteAbstain)
		}
	}
}

func TestDeadlineEscalatesNeverApproves(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{
		Rule: "majority", Quorum: 2, VoteTimeout: config.Duration(50 * time.Millisecond),
	})

	slow := &stubVoter{id: "slow", decision: VoteApprove, delay: time.Second}
	res, err := e.RequestVotes(context.Background(), Subject{TaskID: "t1"},
		[]Voter{approve("a"), slow})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionEscalate {
		t.Errorf("decision at deadline without quorum = %s, want %s", res.Decision, DecisionEscalate)
	}
}

func TestImplementerExcluded(t *testing.T) {
	e, s := newTestEngine(t, config.ConsensusConfig{Rule: "majority", Quorum: 2})

	// The implementer's own APPROVE must not count.
	res, err := e.RequestVotes(context.Background(),
		Subject{TaskID: "t1", Implementer: "impl"},
		[]Voter{approve("impl"), reject("a"), reject("b")})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionReject {
		t.Errorf("decision = %s, want %s", res.Decision, DecisionReject)
	}

	votes, err := s.ListVotes(context.Background(), res.RequestID)
	if err != nil {
		t.Fatalf("ListVotes() error = %v", err)
	}
	for _, v := range votes {
		if v.Voter == "impl" {
			t.Error("implementer's ballot was recorded")
		}
	}
}

func TestWeightedRule(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{
		Rule: "weighted", Quorum: 2, WeightThreshold: 0.6,
	})
	e.Weights = map[string]float64{"senior": 3}

	// senior approve (3 x 1.0) vs two rejects (1 x 1.0 each): 3/5 = 0.6,
	// not strictly above the threshold, so no consensus.
	res, err := e.RequestVotes(context.Background(), Subject{TaskID: "t1"},
		[]Voter{
			&stubVoter{id: "senior", decision: VoteApprove, confidence: 1},
			reject("a"), reject("b"),
		})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionNoConsensus {
		t.Errorf("decision at exactly the threshold = %s, want %s", res.Decision, DecisionNoConsensus)
	}

	// Lower confidence on the rejects pushes the score over.
	res, err = e.RequestVotes(context.Background(), Subject{TaskID: "t2"},
		[]Voter{
			&stubVoter{id: "senior", decision: VoteApprove, confidence: 1},
			&stubVoter{id: "a", decision: VoteReject, confidence: 0.5},
			&stubVoter{id: "b", decision: VoteReject, confidence: 0.5},
		})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionApprove {
		t.Errorf("decision = %s, want %s", res.Decision, DecisionApprove)
	}
}

func TestVetoOverridesMajority(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{
		Rule: "majority", Quorum: 2, VetoVoter: "security", VetoCategories: []string{"deploy"},
	})

	res, err := e.RequestVotes(context.Background(),
		Subject{TaskID: "t1", Category: "deploy"},
		[]Voter{approve("a"), approve("b"), reject("security")})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionReject {
		t.Errorf("vetoed decision = %s, want %s", res.Decision, DecisionReject)
	}

	// Outside the flagged categories the same ballots approve.
	res, err = e.RequestVotes(context.Background(),
		Subject{TaskID: "t2", Category: "docs"},
		[]Voter{approve("a"), approve("b"), reject("security")})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}
	if res.Decision != DecisionApprove {
		t.Errorf("uncovered category decision = %s, want %s", res.Decision, DecisionApprove)
	}
}

func TestDecisionPersistedOnce(t *testing.T) {
	e, s := newTestEngine(t, config.ConsensusConfig{Rule: "majority", Quorum: 2})
	ctx := context.Background()

	res, err := e.RequestVotes(ctx, Subject{RequestID: "req-1", TaskID: "t1"},
		[]Voter{approve("a"), approve("b")})
	if err != nil {
		t.Fatalf("RequestVotes() error = %v", err)
	}

	req, err := s.GetConsensusRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetConsensusRequest() error = %v", err)
	}
	if req.Decision != string(res.Decision) {
		t.Errorf("persisted decision = %s, want %s", req.Decision, res.Decision)
	}

	// A second finalize on the same request is refused.
	if err := s.FinalizeDecision(ctx, "req-1", string(DecisionReject), ""); err == nil {
		t.Error("re-finalizing a decided request did not fail")
	}
}

func TestDeterministicAggregation(t *testing.T) {
	e, _ := newTestEngine(t, config.ConsensusConfig{Rule: "majority", Quorum: 2})

	ballots := []Ballot{
		{Voter: "a", Decision: VoteApprove, Confidence: 1},
		{Voter: "b", Decision: VoteReject, Confidence: 1},
		{Voter: "c", Decision: VoteApprove, Confidence: 1},
	}
	first := e.aggregate(Subject{RequestID: "r"}, ballots)
	for i := 0; i < 10; i++ {
		got := e.aggregate(Subject{RequestID: "r"}, ballots)
		if got.Decision != first.Decision {
			t.Fatalf("aggregation not deterministic: %s vs %s", got.Decision, first.Decision)
		}
	}
	if first.Decision != DecisionApprove {
		t.Errorf("decision = %s, want %s", first.Decision, DecisionApprove)
	}
}
