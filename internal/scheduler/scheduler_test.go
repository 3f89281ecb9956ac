package scheduler_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/common/llm"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/scheduler"
)

var _ = Describe("Scheduler", func() {
	var (
		ctx       context.Context
		stores    *mockStores
		tx        *mockTxRunner
		locker    *mockLocker
		credits   *mockLedger
		publisher *mockPublisher
		sessions  *mockCache
		client    *mockLLM
		producer  *mockProducer
		sched     *scheduler.Scheduler

		conv         *model.Conversation
		participants []model.Participant
	)

	newScheduler := func() *scheduler.Scheduler {
		return scheduler.New(tx, locker, credits, publisher, sessions, client, producer, scheduler.Config{
			LockTTL:          time.Minute,
			TurnDelay:        time.Second,
			MinTurnCostCents: 1,
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		Expect(id.Init(1)).To(Succeed())

		stores = newMockStores()
		tx = &mockTxRunner{stores: stores}
		locker = &mockLocker{}
		credits = &mockLedger{}
		publisher = &mockPublisher{}
		sessions = newMockCache()
		client = &mockLLM{}
		producer = &mockProducer{}

		rounds := 3
		conv = &model.Conversation{
			ID:           100,
			OwnerID:      7,
			Topic:        "Should we rewrite the billing system?",
			Mode:         model.ModeDebate,
			Status:       model.StatusActive,
			CurrentRound: 1,
			TotalRounds:  &rounds,
		}
		participants = []model.Participant{
			{ID: 1, ConversationID: 100, AgentID: 11, TurnOrder: 0, AgentName: "Ada", Persona: "pragmatist"},
			{ID: 2, ConversationID: 100, AgentID: 22, TurnOrder: 1, AgentName: "Grace", Persona: "skeptic"},
		}

		stores.conversations.getByIDFn = func(_ context.Context, _ int64) (*model.Conversation, error) {
			copied := *conv
			return &copied, nil
		}
		stores.conversations.updateFn = func(_ context.Context, c *model.Conversation) error {
			copied := *c
			conv = &copied
			return nil
		}
		stores.participants.listFn = func(_ context.Context, _ int64) ([]model.Participant, error) {
			return participants, nil
		}

		sched = newScheduler()
	})

	Describe("StartConversation", func() {
		It("seeds the system message and enqueues the first turn", func() {
			err := sched.StartConversation(ctx, conv.ID, "Debate the rewrite.")
			Expect(err).NotTo(HaveOccurred())

			Expect(stores.messages.createdMessages).To(HaveLen(1))
			seeded := stores.messages.createdMessages[0]
			Expect(seeded.Role).To(Equal(model.MessageRoleSystem))
			Expect(seeded.Content).To(Equal("Debate the rewrite."))
			Expect(seeded.CompletedAt).NotTo(BeNil())

			Expect(producer.jobs).To(HaveLen(1))
			Expect(producer.jobs[0].Type).To(Equal(queue.JobNextTurn))
			Expect(producer.jobs[0].ConversationID).To(Equal(conv.ID))
		})

		It("is a no-op when messages already exist", func() {
			stores.messages.hasAnyFn = func(_ context.Context, _ int64) (bool, error) {
				return true, nil
			}

			err := sched.StartConversation(ctx, conv.ID, "Debate the rewrite.")
			Expect(err).NotTo(HaveOccurred())

			Expect(stores.messages.createdMessages).To(BeEmpty())
			Expect(producer.jobs).To(BeEmpty())
		})
	})

	Describe("AdvanceTurn", func() {
		It("gives the turn to the participant at completed-count modulo participant-count", func() {
			stores.messages.countTurnsFn = func(_ context.Context, _ int64) (int, error) {
				return 2, nil // one full round done, Ada again
			}

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(stores.messages.createdMessages).To(HaveLen(1))
			placeholder := stores.messages.createdMessages[0]
			Expect(placeholder.AgentID).NotTo(BeNil())
			Expect(*placeholder.AgentID).To(Equal(int64(11)))
		})

		It("generates, charges, and schedules the next turn mid-round", func() {
			var attachedContent string
			stores.messages.attachResultFn = func(_ context.Context, _ int64, content string, _ int64) error {
				attachedContent = content
				return nil
			}
			client.completeFn = func(_ context.Context, _ llm.Request) (*llm.Response, error) {
				return &llm.Response{Content: "my argument", CostCents: 3}, nil
			}

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(attachedContent).To(Equal("my argument"))
			Expect(credits.deductions).To(Equal([]int64{3}))
			Expect(conv.TotalCostCents).To(Equal(int64(3)))
			Expect(conv.CurrentRound).To(Equal(1))

			Expect(producer.jobs).To(BeEmpty())
			Expect(producer.delayedJobs).To(HaveLen(1))
			Expect(producer.delayedJobs[0].Type).To(Equal(queue.JobNextTurn))

			Expect(publisher.eventTypes()).To(ContainElements(
				events.TypeTurnChange, events.TypeMessageStart,
				events.TypeMessageComplete, events.TypeCreditUpdate))
		})

		It("closes the round and waits for input after the last participant", func() {
			stores.messages.countTurnsFn = func(_ context.Context, _ int64) (int, error) {
				return 1, nil // Grace's turn, last in the round
			}

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(conv.CurrentRound).To(Equal(2))
			Expect(producer.jobs).To(BeEmpty())
			Expect(producer.delayedJobs).To(BeEmpty())
			Expect(publisher.eventTypes()).To(ContainElements(
				events.TypeRoundComplete, events.TypeWaitingForInput))

			Expect(sessions.sessions[conv.ID].Status).To(Equal(model.SessionStatusWaiting))
		})

		It("completes a debate that has run past its final round", func() {
			conv.CurrentRound = 4

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(conv.Status).To(Equal(model.StatusCompleted))
			Expect(client.requests).To(BeEmpty())
			Expect(publisher.eventTypes()).To(ContainElement(events.TypeConversationComplete))
		})

		It("pauses instead of failing when credits are insufficient", func() {
			credits.checkSufficientFn = func(_ context.Context, _ int64, _ int64) (bool, error) {
				return false, nil
			}

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(conv.Status).To(Equal(model.StatusPaused))
			Expect(client.requests).To(BeEmpty())

			var errEvent *events.Event
			for i := range publisher.events {
				if publisher.events[i].Type == events.TypeError {
					errEvent = &publisher.events[i]
				}
			}
			Expect(errEvent).NotTo(BeNil())
			Expect(errEvent.Data["code"]).To(Equal(events.CodeInsufficientCredits))
		})

		It("pauses when the balance drains mid-generation", func() {
			credits.deductFn = func(_ context.Context, _ int64, _ int64, _ model.CreditTransactionType, _ string) error {
				return ledger.ErrInsufficientCredits
			}

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())
			Expect(conv.Status).To(Equal(model.StatusPaused))
		})

		It("does nothing when the lock is held elsewhere", func() {
			locker.acquireFn = func(_ context.Context, _ string, _ time.Duration) (bool, error) {
				return false, nil
			}

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(stores.messages.createdMessages).To(BeEmpty())
			Expect(client.requests).To(BeEmpty())
		})

		It("does nothing when the conversation is paused", func() {
			conv.Status = model.StatusPaused

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())
			Expect(client.requests).To(BeEmpty())
		})

		It("hands a buffered interjection priority over the next turn", func() {
			sessions.pendingInterjected[conv.ID] = "what about costs?"

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(producer.delayedJobs).To(BeEmpty())
			Expect(producer.jobs).To(HaveLen(1))
			Expect(producer.jobs[0].Type).To(Equal(queue.JobProcessInterjection))
			Expect(producer.jobs[0].Content).To(Equal("what about costs?"))
		})

		It("propagates generation failures for the retry machinery", func() {
			client.completeFn = func(_ context.Context, _ llm.Request) (*llm.Response, error) {
				return nil, errors.New("provider unavailable")
			}

			err := sched.AdvanceTurn(ctx, conv.ID)
			Expect(err).To(MatchError(ContainSubstring("provider unavailable")))
			Expect(credits.deductions).To(BeEmpty())
		})
	})

	Describe("transcript mapping", func() {
		It("maps the transcript into the active agent's point of view", func() {
			now := time.Now().UTC()
			agentID := int64(22)
			stores.messages.countTurnsFn = func(_ context.Context, _ int64) (int, error) {
				return 1, nil // Grace's turn
			}
			stores.messages.listFn = func(_ context.Context, _ int64) ([]model.Message, error) {
				adaID := int64(11)
				return []model.Message{
					{Role: model.MessageRoleSystem, Content: "Debate the rewrite.", CompletedAt: &now},
					{Role: model.MessageRoleAgent, AgentID: &adaID, Content: "I say yes.", CompletedAt: &now},
					{Role: model.MessageRoleAgent, AgentID: &agentID, Content: "I disagree.", CompletedAt: &now},
					{Role: model.MessageRoleUser, Content: "Consider the budget.", CompletedAt: &now},
				}, nil
			}

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(client.requests).To(HaveLen(1))
			msgs := client.requests[0].Messages
			Expect(msgs[0].Role).To(Equal("system"))
			Expect(msgs[0].Content).To(ContainSubstring("You are Grace"))

			Expect(msgs[1].Role).To(Equal("user"))
			Expect(msgs[1].Name).To(Equal("Moderator"))
			Expect(msgs[2].Role).To(Equal("user"))
			Expect(msgs[2].Name).To(Equal("Ada"))
			Expect(msgs[3].Role).To(Equal("assistant"))
			Expect(msgs[3].Name).To(BeEmpty())
			Expect(msgs[4].Role).To(Equal("user"))
			Expect(msgs[4].Name).To(Equal("User"))
		})

		It("skips incomplete placeholder messages", func() {
			now := time.Now().UTC()
			adaID := int64(11)
			stores.messages.listFn = func(_ context.Context, _ int64) ([]model.Message, error) {
				return []model.Message{
					{Role: model.MessageRoleSystem, Content: "Debate the rewrite.", CompletedAt: &now},
					{Role: model.MessageRoleAgent, AgentID: &adaID, Content: ""}, // failed generation
				}, nil
			}

			Expect(sched.AdvanceTurn(ctx, conv.ID)).To(Succeed())

			Expect(client.requests).To(HaveLen(1))
			Expect(client.requests[0].Messages).To(HaveLen(2)) // prompt + system message
		})
	})

	Describe("ProcessInterjection", func() {
		It("records the user message and continues the conversation", func() {
			Expect(sched.ProcessInterjection(ctx, conv.ID, "what about costs?")).To(Succeed())

			Expect(stores.messages.createdMessages).To(HaveLen(1))
			msg := stores.messages.createdMessages[0]
			Expect(msg.Role).To(Equal(model.MessageRoleUser))
			Expect(msg.Content).To(Equal("what about costs?"))
			Expect(msg.CompletedAt).NotTo(BeNil())

			Expect(producer.jobs).To(HaveLen(1))
			Expect(producer.jobs[0].Type).To(Equal(queue.JobNextTurn))
		})

		It("drops interjections for completed conversations", func() {
			conv.Status = model.StatusCompleted

			Expect(sched.ProcessInterjection(ctx, conv.ID, "too late")).To(Succeed())
			Expect(stores.messages.createdMessages).To(BeEmpty())
			Expect(producer.jobs).To(BeEmpty())
		})

		It("records but does not continue a paused conversation", func() {
			conv.Status = model.StatusPaused

			Expect(sched.ProcessInterjection(ctx, conv.ID, "note this")).To(Succeed())
			Expect(stores.messages.createdMessages).To(HaveLen(1))
			Expect(producer.jobs).To(BeEmpty())
		})
	})

	Describe("Interject", func() {
		It("buffers when a generation is in flight", func() {
			sessions.sessions[conv.ID] = &model.SessionState{Status: model.SessionStatusGenerating}

			Expect(sched.Interject(ctx, conv.ID, "hold on")).To(Succeed())

			Expect(sessions.pendingInterjected[conv.ID]).To(Equal("hold on"))
			Expect(producer.jobs).To(BeEmpty())
		})

		It("enqueues directly when idle", func() {
			sessions.sessions[conv.ID] = &model.SessionState{Status: model.SessionStatusIdle}

			Expect(sched.Interject(ctx, conv.ID, "hold on")).To(Succeed())

			Expect(producer.jobs).To(HaveLen(1))
			Expect(producer.jobs[0].Type).To(Equal(queue.JobProcessInterjection))
		})

		It("falls through to a job when a buffer slot is taken", func() {
			sessions.sessions[conv.ID] = &model.SessionState{Status: model.SessionStatusGenerating}
			sessions.pendingInterjected[conv.ID] = "earlier note"

			Expect(sched.Interject(ctx, conv.ID, "second note")).To(Succeed())

			Expect(sessions.pendingInterjected[conv.ID]).To(Equal("earlier note"))
			Expect(producer.jobs).To(HaveLen(1))
		})
	})

	Describe("Pause and Resume", func() {
		It("pauses an active conversation", func() {
			Expect(sched.Pause(ctx, conv.ID)).To(Succeed())
			Expect(conv.Status).To(Equal(model.StatusPaused))
		})

		It("rejects pausing a completed conversation", func() {
			conv.Status = model.StatusCompleted
			Expect(sched.Pause(ctx, conv.ID)).To(HaveOccurred())
		})

		It("resumes a paused conversation with a next-turn job", func() {
			conv.Status = model.StatusPaused

			Expect(sched.Resume(ctx, conv.ID)).To(Succeed())

			Expect(conv.Status).To(Equal(model.StatusActive))
			Expect(producer.jobs).To(HaveLen(1))
			Expect(producer.jobs[0].Type).To(Equal(queue.JobNextTurn))
		})

		It("re-enters a pending force agreement on resume", func() {
			conv.Status = model.StatusPaused
			state := model.NewAgreementState()
			state.Phase = model.PhaseVoting
			stores.agreements.getFn = func(_ context.Context, _ int64) (*model.AgreementState, error) {
				return state, nil
			}

			Expect(sched.Resume(ctx, conv.ID)).To(Succeed())

			Expect(conv.Status).To(Equal(model.StatusForceAgreement))
			Expect(producer.jobs).To(HaveLen(1))
			Expect(producer.jobs[0].Type).To(Equal(queue.JobForceAgreementPhase))
			Expect(producer.jobs[0].Phase).To(Equal(model.PhaseVoting.Int()))
		})

		It("ignores resume for a conversation that is not paused", func() {
			Expect(sched.Resume(ctx, conv.ID)).To(Succeed())
			Expect(producer.jobs).To(BeEmpty())
		})
	})
})
