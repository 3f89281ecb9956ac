package consensus_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/common/llm"
	"github.com/parleyhq/parley/internal/consensus"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/queue"
)

func lastPhaseEvent(p *mockPublisher) events.Event {
	var evt events.Event
	for _, e := range p.events {
		if e.Type == events.TypeForceAgreementPhase {
			evt = e
		}
	}
	return evt
}

var _ = Describe("Coordinator", func() {
	const (
		convID  = int64(200)
		ownerID = int64(7)
		adaID   = int64(11)
		graceID = int64(22)
	)

	var (
		ctx          context.Context
		stores       *mockStores
		tx           *mockTxRunner
		locker       *mockLocker
		creditLedger *mockLedger
		publisher    *mockPublisher
		sessionCache *mockCache
		agentLLM     *mockLLM
		synthesisLLM *mockLLM
		producer     *mockProducer
		coordinator  *consensus.Coordinator

		conv  *model.Conversation
		state *model.AgreementState
	)

	participants := []model.Participant{
		{ID: 1, ConversationID: convID, AgentID: adaID, TurnOrder: 0, AgentName: "Ada", Persona: "pragmatic engineer"},
		{ID: 2, ConversationID: convID, AgentID: graceID, TurnOrder: 1, AgentName: "Grace", Persona: "systems architect"},
	}

	BeforeEach(func() {
		ctx = context.Background()
		Expect(id.Init(1)).To(Succeed())

		stores = newMockStores()
		tx = &mockTxRunner{stores: stores}
		locker = &mockLocker{}
		creditLedger = &mockLedger{}
		publisher = &mockPublisher{}
		sessionCache = newMockCache()
		agentLLM = &mockLLM{}
		synthesisLLM = &mockLLM{}
		producer = &mockProducer{}

		conv = &model.Conversation{
			ID:           convID,
			OwnerID:      ownerID,
			Topic:        "Pick a storage engine",
			Mode:         model.ModeCollaborate,
			Status:       model.StatusForceAgreement,
			CurrentRound: 2,
		}
		state = model.NewAgreementState()

		stores.conversations.getByIDFn = func(ctx context.Context, id int64) (*model.Conversation, error) {
			copied := *conv
			return &copied, nil
		}
		stores.conversations.updateFn = func(ctx context.Context, c *model.Conversation) error {
			*conv = *c
			return nil
		}
		stores.participants.listFn = func(ctx context.Context, conversationID int64) ([]model.Participant, error) {
			return participants, nil
		}
		stores.agreements.getFn = func(ctx context.Context, conversationID int64) (*model.AgreementState, error) {
			return state, nil
		}

		coordinator = consensus.New(tx, locker, creditLedger, publisher, sessionCache,
			agentLLM, synthesisLLM, producer, consensus.Config{
				LockTTL:          5 * time.Minute,
				MinTurnCostCents: 1,
			})
	})

	Describe("Begin", func() {
		BeforeEach(func() {
			conv.Status = model.StatusActive
		})

		It("switches the conversation into force agreement and enqueues collection", func() {
			Expect(coordinator.Begin(ctx, convID)).To(Succeed())

			Expect(conv.Status).To(Equal(model.StatusForceAgreement))
			Expect(stores.agreements.saved).To(HaveLen(1))
			Expect(stores.agreements.saved[0].Phase).To(Equal(model.PhaseCollecting))

			Expect(producer.jobs).To(HaveLen(1))
			Expect(producer.jobs[0].Type).To(Equal(queue.JobForceAgreementPhase))
			Expect(producer.jobs[0].Phase).To(Equal(model.PhaseCollecting.Int()))

			Expect(publisher.eventTypes()).To(ContainElement(events.TypeForceAgreementPhase))
		})

		It("is a no-op when force agreement is already in progress", func() {
			conv.Status = model.StatusForceAgreement

			Expect(coordinator.Begin(ctx, convID)).To(Succeed())
			Expect(stores.agreements.saved).To(BeEmpty())
			Expect(producer.jobs).To(BeEmpty())
		})

		It("rejects debate conversations", func() {
			conv.Mode = model.ModeDebate

			err := coordinator.Begin(ctx, convID)
			Expect(err).To(MatchError(ContainSubstring("collaborate mode")))
			Expect(producer.jobs).To(BeEmpty())
		})

		It("rejects paused conversations", func() {
			conv.Status = model.StatusPaused

			err := coordinator.Begin(ctx, convID)
			Expect(err).To(MatchError(ContainSubstring("status")))
		})

		It("skips silently when the conversation lock is held elsewhere", func() {
			locker.acquireFn = func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
				return false, nil
			}

			Expect(coordinator.Begin(ctx, convID)).To(Succeed())
			Expect(producer.jobs).To(BeEmpty())
		})
	})

	Describe("RunPhase", func() {
		It("rejects an unknown phase code", func() {
			Expect(coordinator.RunPhase(ctx, convID, 99)).NotTo(Succeed())
		})

		It("drops the job when the conversation left force agreement", func() {
			conv.Status = model.StatusPaused

			Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())
			Expect(agentLLM.requests).To(BeEmpty())
			Expect(producer.jobs).To(BeEmpty())
		})

		It("drops a stale job whose phase no longer matches the persisted state", func() {
			state.Phase = model.PhaseVoting

			Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())
			Expect(agentLLM.requests).To(BeEmpty())
			Expect(producer.jobs).To(BeEmpty())
		})

		Context("collecting non-negotiables", func() {
			BeforeEach(func() {
				agentLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
					return &llm.Response{Content: "1. Must scale\n2. Must be cheap", CostCents: 3}, nil
				}
			})

			It("asks every agent, records messages, charges, and moves to synthesizing", func() {
				Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())

				Expect(agentLLM.requests).To(HaveLen(2))
				Expect(stores.messages.createdMessages).To(HaveLen(2))
				Expect(*stores.messages.createdMessages[0].AgentID).To(Equal(adaID))
				Expect(stores.messages.createdMessages[0].CompletedAt).NotTo(BeNil())
				Expect(creditLedger.deductions).To(Equal([]int64{3, 3}))

				Expect(state.NonNegotiables[adaID]).To(Equal([]string{"Must scale", "Must be cheap"}))
				Expect(state.NonNegotiables[graceID]).To(HaveLen(2))
				Expect(state.Phase).To(Equal(model.PhaseSynthesizing))

				Expect(producer.jobs).To(HaveLen(1))
				Expect(producer.jobs[0].Phase).To(Equal(model.PhaseSynthesizing.Int()))
			})

			It("asks each agent for three to five requirements", func() {
				Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())

				Expect(agentLLM.requests[0].Messages).To(HaveLen(2))
				Expect(agentLLM.requests[0].Messages[1].Content).To(ContainSubstring("3 to 5"))
			})

			It("publishes the collected requirements with the phase change", func() {
				Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())

				evt := lastPhaseEvent(publisher)
				Expect(evt.Data["phase"]).To(Equal(string(model.PhaseSynthesizing)))
				Expect(evt.Data["non_negotiables"]).To(Equal(state.NonNegotiables))
			})

			It("skips agents whose requirements were already collected", func() {
				state.NonNegotiables[adaID] = []string{"already collected"}

				Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())

				Expect(agentLLM.requests).To(HaveLen(1))
				Expect(state.NonNegotiables[adaID]).To(Equal([]string{"already collected"}))
				Expect(state.Phase).To(Equal(model.PhaseSynthesizing))
			})
		})

		Context("synthesizing", func() {
			BeforeEach(func() {
				state.Phase = model.PhaseSynthesizing
				state.NonNegotiables[adaID] = []string{"Must scale"}
				state.NonNegotiables[graceID] = []string{"Must be simple"}
				synthesisLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
					return &llm.Response{Content: "Use managed Postgres.", CostCents: 5}, nil
				}
			})

			It("drafts through the synthesis model and hands off to voting", func() {
				Expect(coordinator.RunPhase(ctx, convID, model.PhaseSynthesizing.Int())).To(Succeed())

				Expect(synthesisLLM.requests).To(HaveLen(1))
				Expect(agentLLM.requests).To(BeEmpty())

				Expect(stores.messages.createdMessages).To(HaveLen(1))
				Expect(stores.messages.createdMessages[0].Role).To(Equal(model.MessageRoleSynthesizer))
				Expect(stores.messages.createdMessages[0].AgentID).To(BeNil())

				Expect(*state.CurrentSynthesis).To(Equal("Use managed Postgres."))
				Expect(state.Votes).To(BeEmpty())
				Expect(state.Phase).To(Equal(model.PhaseVoting))
				Expect(producer.jobs[0].Phase).To(Equal(model.PhaseVoting.Int()))
			})

			It("publishes the draft under vote with the phase change", func() {
				Expect(coordinator.RunPhase(ctx, convID, model.PhaseSynthesizing.Int())).To(Succeed())

				evt := lastPhaseEvent(publisher)
				Expect(evt.Data["phase"]).To(Equal(string(model.PhaseVoting)))
				Expect(evt.Data["synthesis"]).To(Equal("Use managed Postgres."))
			})

			It("clears votes left over from a rejected draft when revising", func() {
				state.Phase = model.PhaseRevising
				state.Votes = map[int64]bool{adaID: true, graceID: false}
				state.RejectionReasons = map[int64]string{graceID: "too expensive"}
				state.History = []model.AttemptRecord{{Synthesis: "old draft"}}

				Expect(coordinator.RunPhase(ctx, convID, model.PhaseRevising.Int())).To(Succeed())

				Expect(state.Votes).To(BeEmpty())
				Expect(state.RejectionReasons).To(BeEmpty())
				Expect(state.Phase).To(Equal(model.PhaseVoting))
			})
		})

		Context("voting", func() {
			synthesis := "Use managed Postgres."

			BeforeEach(func() {
				state.Phase = model.PhaseVoting
				state.CurrentSynthesis = &synthesis
			})

			It("completes on unanimous approval", func() {
				agentLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
					return &llm.Response{Content: "VOTE: APPROVE", CostCents: 1}, nil
				}

				Expect(coordinator.RunPhase(ctx, convID, model.PhaseVoting.Int())).To(Succeed())

				Expect(state.Votes).To(Equal(map[int64]bool{adaID: true, graceID: true}))
				Expect(state.Phase).To(Equal(model.PhaseCompleted))
				Expect(state.Iteration).To(Equal(0))
				Expect(producer.jobs[0].Phase).To(Equal(model.PhaseCompleted.Int()))

				evt := lastPhaseEvent(publisher)
				Expect(evt.Data["votes"]).To(Equal(map[int64]bool{adaID: true, graceID: true}))
			})

			It("records the rejection and goes to revising when a vote fails", func() {
				agentLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
					if len(agentLLM.requests) == 1 {
						return &llm.Response{Content: "VOTE: APPROVE", CostCents: 1}, nil
					}
					return &llm.Response{Content: "VOTE: REJECT\nREASON: ignores cost", CostCents: 1}, nil
				}

				Expect(coordinator.RunPhase(ctx, convID, model.PhaseVoting.Int())).To(Succeed())

				Expect(state.RejectionReasons[graceID]).To(Equal("ignores cost"))
				Expect(state.History).To(HaveLen(1))
				Expect(state.History[0].Synthesis).To(Equal(synthesis))
				Expect(state.Iteration).To(Equal(1))
				Expect(state.Phase).To(Equal(model.PhaseRevising))

				evt := lastPhaseEvent(publisher)
				Expect(evt.Data["votes"]).To(Equal(map[int64]bool{adaID: true, graceID: false}))
				Expect(evt.Data["rejection_reasons"]).To(Equal(map[int64]string{graceID: "ignores cost"}))
			})

			It("forces resolution once the iteration bound is reached", func() {
				state.Iteration = 2
				agentLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
					return &llm.Response{Content: "VOTE: REJECT\nREASON: still no", CostCents: 1}, nil
				}

				Expect(coordinator.RunPhase(ctx, convID, model.PhaseVoting.Int())).To(Succeed())

				Expect(state.Iteration).To(Equal(3))
				Expect(state.Phase).To(Equal(model.PhaseForcedResolution))
				Expect(producer.jobs[0].Phase).To(Equal(model.PhaseForcedResolution.Int()))
			})

			It("skips agents that already voted", func() {
				state.Votes[adaID] = true
				agentLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
					return &llm.Response{Content: "VOTE: APPROVE", CostCents: 1}, nil
				}

				Expect(coordinator.RunPhase(ctx, convID, model.PhaseVoting.Int())).To(Succeed())

				Expect(agentLLM.requests).To(HaveLen(1))
				Expect(state.Phase).To(Equal(model.PhaseCompleted))
			})

			It("errors when there is no synthesis to vote on", func() {
				state.CurrentSynthesis = nil
				Expect(coordinator.RunPhase(ctx, convID, model.PhaseVoting.Int())).NotTo(Succeed())
			})
		})

		Context("completing", func() {
			synthesis := "Use managed Postgres."

			BeforeEach(func() {
				state.Phase = model.PhaseCompleted
				state.CurrentSynthesis = &synthesis
			})

			It("posts the final plan and closes the conversation", func() {
				Expect(coordinator.RunPhase(ctx, convID, model.PhaseCompleted.Int())).To(Succeed())

				Expect(stores.messages.createdMessages).To(HaveLen(1))
				final := stores.messages.createdMessages[0]
				Expect(final.Role).To(Equal(model.MessageRoleSynthesizer))
				Expect(final.Content).To(HavePrefix("Agreement reached. Final plan:"))
				Expect(final.CostCents).To(BeZero())

				Expect(conv.Status).To(Equal(model.StatusCompleted))
				Expect(publisher.eventTypes()).To(ContainElement(events.TypeConversationComplete))
				Expect(sessionCache.sessions[convID].Status).To(Equal(model.SessionStatusCompleted))
				Expect(producer.jobs).To(BeEmpty())
			})
		})

		Context("forced resolution", func() {
			BeforeEach(func() {
				state.Phase = model.PhaseForcedResolution
				state.Iteration = 3
				synthesisLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
					return &llm.Response{Content: "Best-effort compromise.", CostCents: 4}, nil
				}
			})

			It("drafts a compromise and closes the conversation", func() {
				Expect(coordinator.RunPhase(ctx, convID, model.PhaseForcedResolution.Int())).To(Succeed())

				Expect(synthesisLLM.requests).To(HaveLen(1))
				Expect(*state.CurrentSynthesis).To(Equal("Best-effort compromise."))
				Expect(creditLedger.deductions).To(Equal([]int64{4}))
				Expect(conv.Status).To(Equal(model.StatusCompleted))
				Expect(publisher.eventTypes()).To(ContainElement(events.TypeConversationComplete))
			})
		})

		Context("insufficient credits", func() {
			It("pauses the conversation and completes the job without running agents", func() {
				creditLedger.checkSufficientFn = func(ctx context.Context, userID int64, minimumCents int64) (bool, error) {
					return false, nil
				}

				Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())

				Expect(agentLLM.requests).To(BeEmpty())
				Expect(conv.Status).To(Equal(model.StatusPaused))
				Expect(state.Phase).To(Equal(model.PhaseCollecting))

				var errEvent *events.Event
				for i := range publisher.events {
					if publisher.events[i].Type == events.TypeError {
						errEvent = &publisher.events[i]
					}
				}
				Expect(errEvent).NotTo(BeNil())
				Expect(errEvent.Data["code"]).To(Equal(events.CodeInsufficientCredits))
			})

			It("pauses mid-phase when the balance drains during deduction", func() {
				state.Phase = model.PhaseVoting
				synthesis := "Use managed Postgres."
				state.CurrentSynthesis = &synthesis
				creditLedger.deductFn = func(ctx context.Context, userID int64, amountCents int64, txType model.CreditTransactionType, referenceID string) error {
					return ledger.ErrInsufficientCredits
				}

				Expect(coordinator.RunPhase(ctx, convID, model.PhaseVoting.Int())).To(Succeed())

				Expect(conv.Status).To(Equal(model.StatusPaused))
				Expect(state.Phase).To(Equal(model.PhaseVoting))
			})
		})

		It("propagates generation failures so the job is retried", func() {
			agentLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
				return nil, errors.New("upstream timeout")
			}

			err := coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())
			Expect(err).To(MatchError(ContainSubstring("upstream timeout")))
			Expect(creditLedger.deductions).To(BeEmpty())
		})

		It("resumes collection with only the remaining agents after a retry", func() {
			calls := 0
			agentLLM.completeFn = func(ctx context.Context, req llm.Request) (*llm.Response, error) {
				calls++
				if calls == 2 {
					return nil, errors.New("upstream timeout")
				}
				return &llm.Response{Content: "1. requirement", CostCents: 1}, nil
			}

			Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).NotTo(Succeed())
			Expect(state.NonNegotiables).To(HaveKey(adaID))
			Expect(state.NonNegotiables).NotTo(HaveKey(graceID))

			Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())
			Expect(calls).To(Equal(3))
			Expect(state.NonNegotiables).To(HaveKey(graceID))
			Expect(state.Phase).To(Equal(model.PhaseSynthesizing))
		})

		It("skips silently when the conversation lock is held elsewhere", func() {
			locker.acquireFn = func(ctx context.Context, key string, ttl time.Duration) (bool, error) {
				return false, nil
			}

			Expect(coordinator.RunPhase(ctx, convID, model.PhaseCollecting.Int())).To(Succeed())
			Expect(agentLLM.requests).To(BeEmpty())
		})
	})
})
