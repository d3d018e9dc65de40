// Package consensus collects ballots from independent voters and reduces
// them to a single decision under a configured aggregation rule.
package consensus

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alderai/taskplane/internal/config"
	"github.com/alderai/taskplane/internal/events"
	"github.com/alderai/taskplane/internal/store"
)

// Vote values a ballot may carry.
const (
	VoteApprove        = "APPROVE"
	VoteReject         = "REJECT"
	VoteAbstain        = "ABSTAIN"
	VoteRequestChanges = "REQUEST_CHANGES"
)

// Decision is the aggregated outcome of a voting round.
type Decision string

const (
	DecisionApprove     Decision = "APPROVE"
	DecisionReject      Decision = "REJECT"
	DecisionNoConsensus Decision = "NO_CONSENSUS"
	DecisionEscalate    Decision = "ESCALATE"
)

// Subject is what the voters are asked to judge.
type Subject struct {
	RequestID   string
	TaskID      string
	Title       string
	Category    string
	Implementer string
	Artifact    string
}

// Ballot is one voter's answer.
type Ballot struct {
	Voter      string
	Decision   string
	Confidence float64 // 0..1
	Rationale  string
}

// Voter renders an independent judgment on a subject. Implementations must
// be safe for concurrent use; the engine fans out to all voters at once.
type Voter interface {
	ID() string
	Vote(ctx context.Context, s Subject) (Ballot, error)
}

// Result is the full outcome of one voting round.
type Result struct {
	RequestID string
	Decision  Decision
	Ballots   []Ballot
	Detail    string
}

// Engine runs voting rounds. Ballots and decisions are persisted as they
// arrive, so a round's record survives a crash mid-round.
type Engine struct {
	store *store.Store
	bus   *events.Bus
	cfg   config.ConsensusConfig

	// Weights maps voter id to its weight under the weighted rule.
	// Unlisted voters weigh 1.0.
	Weights map[string]float64
}

// New creates an engine.
func New(st *store.Store, bus *events.Bus, cfg config.ConsensusConfig) *Engine {
	return &Engine{store: st, bus: bus, cfg: cfg}
}

// RequestVotes runs one full round: persist the request, fan out to every
// eligible voter, collect ballots until all return or the deadline passes,
// aggregate, persist and publish the decision.
//
// The implementer never votes on their own work: a voter whose id matches
// the subject's implementer is excluded before fan-out. A voter error or
// timeout counts as an ABSTAIN, which is excluded from both sides of the
// tally. If the deadline passes without quorum the round escalates; it
// never approves by default.
func (e *Engine) RequestVotes(ctx context.Context, subject Subject, voters []Voter) (*Result, error) {
	if subject.RequestID == "" {
		subject.RequestID = uuid.NewString()
	}

	timeout := e.cfg.VoteTimeout.D()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	deadline := e.store.Now().Add(timeout)

	if err := e.store.CreateConsensusRequest(ctx, store.ConsensusRequest{
		ID:          subject.RequestID,
		TaskID:      subject.TaskID,
		Subject:     subject.Title,
		Category:    subject.Category,
		Implementer: subject.Implementer,
		Deadline:    deadline,
	}); err != nil {
		return nil, err
	}

	eligible := make([]Voter, 0, len(voters))
	for _, v := range voters {
		if subject.Implementer != "" && v.ID() == subject.Implementer {
			log.Printf("consensus: excluding implementer %s from round %s", v.ID(), subject.RequestID)
			continue
		}
		eligible = append(eligible, v)
	}

	ballots := e.collect(ctx, subject, eligible, timeout)
	res := e.aggregate(subject, ballots)

	if err := e.store.FinalizeDecision(ctx, subject.RequestID, string(res.Decision), res.Detail); err != nil {
		return nil, err
	}
	if e.bus != nil {
		e.bus.Publish(events.TopicConsensus, events.DecisionEvent{
			RequestID: subject.RequestID,
			Decision:  string(res.Decision),
			Timestamp: e.store.Now(),
		})
	}
	log.Printf("consensus: round %s decided %s (%s)", subject.RequestID, res.Decision, res.Detail)
	return res, nil
}

// collect fans out to the voters and gathers their ballots. Each ballot is
// persisted as it lands; a failed or timed-out voter yields an ABSTAIN.
func (e *Engine) collect(ctx context.Context, subject Subject, voters []Voter, timeout time.Duration) []Ballot {
	voteCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	ballots := make([]Ballot, 0, len(voters))

	g, gctx := errgroup.WithContext(voteCtx)
	for _, v := range voters {
		v := v
		g.Go(func() error {
			b, err := v.Vote(gctx, subject)
			if err != nil {
				log.Printf("consensus: voter %s failed on round %s: %v", v.ID(), subject.RequestID, err)
				b = Ballot{Voter: v.ID(), Decision: VoteAbstain, Rationale: fmt.Sprintf("voter error: %v", err)}
			}
			b.Voter = v.ID()
			b.Decision = normalizeVote(b.Decision)

			if err := e.store.RecordVote(ctx, store.VoteRecord{
				RequestID:  subject.RequestID,
				Voter:      b.Voter,
				Decision:   b.Decision,
				Confidence: b.Confidence,
				Rationale:  b.Rationale,
			}); err != nil {
				log.Printf("consensus: failed to persist vote from %s: %v", b.Voter, err)
			}
			if e.bus != nil {
				e.bus.Publish(events.TopicConsensus, events.VoteEvent{
					RequestID: subject.RequestID,
					Voter:     b.Voter,
					Decision:  b.Decision,
					Timestamp: e.store.Now(),
				})
			}

			mu.Lock()
			ballots = append(ballots, b)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Stable order so the same ballots always aggregate identically.
	sort.Slice(ballots, func(i, j int) bool { return ballots[i].Voter < ballots[j].Voter })
	return ballots
}

func normalizeVote(d string) string {
	switch strings.ToUpper(strings.TrimSpace(d)) {
	case VoteApprove:
		return VoteApprove
	case VoteReject:
		return VoteReject
	case VoteRequestChanges:
		return VoteRequestChanges
	default:
		return VoteAbstain
	}
}

// aggregate reduces the ballots to one decision under the configured rule.
// REQUEST_CHANGES counts with REJECT; ABSTAIN counts toward neither side
// and never toward quorum.
func (e *Engine) aggregate(subject Subject, ballots []Ballot) *Result {
	res := &Result{RequestID: subject.RequestID, Ballots: ballots}

	// The veto check runs before any counting: a designated voter's REJECT
	// on a covered category is final regardless of the remaining ballots.
	if e.cfg.VetoVoter != "" && e.vetoCovers(subject.Category) {
		for _, b := range ballots {
			if b.Voter == e.cfg.VetoVoter && (b.Decision == VoteReject || b.Decision == VoteRequestChanges) {
				res.Decision = DecisionReject
				res.Detail = fmt.Sprintf("vetoed by %s", b.Voter)
				return res
			}
		}
	}

	var approve, reject int
	var approveW, rejectW float64
	for _, b := range ballots {
		w := e.weight(b.Voter)
		conf := b.Confidence
		if conf <= 0 || conf > 1 {
			conf = 1
		}
		switch b.Decision {
		case VoteApprove:
			approve++
			approveW += w * conf
		case VoteReject, VoteRequestChanges:
			reject++
			rejectW += w * conf
		}
	}
	cast := approve + reject

	quorum := e.cfg.Quorum
	if quorum <= 0 {
		quorum = 2
	}
	if cast < quorum {
		res.Decision = DecisionEscalate
		res.Detail = fmt.Sprintf("quorum not met: %d of %d required votes", cast, quorum)
		return res
	}

	switch e.cfg.Rule {
	case "weighted":
		threshold := e.cfg.WeightThreshold
		if threshold <= 0 {
			threshold = 0.5
		}
		total := approveW + rejectW
		score := approveW / total
		res.Detail = fmt.Sprintf("weighted score %.3f against threshold %.3f", score, threshold)
		if score > threshold {
			res.Decision = DecisionApprove
		} else if score < 1-threshold {
			res.Decision = DecisionReject
		} else {
			res.Decision = DecisionNoConsensus
		}
	default: // majority
		res.Detail = fmt.Sprintf("%d approve / %d reject", approve, reject)
		switch {
		case approve > reject:
			res.Decision = DecisionApprove
		case reject > approve:
			res.Decision = DecisionReject
		default:
			res.Decision = DecisionNoConsensus
		}
	}
	return res
}

func (e *Engine) vetoCovers(category string) bool {
	if len(e.cfg.VetoCategories) == 0 {
		return true
	}
	for _, c := range e.cfg.VetoCategories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

func (e *Engine) weight(voter string) float64 {
	if w, ok := e.Weights[voter]; ok && w > 0 {
		return w
	}
	return 1.0
}
