package consensus_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/parleyhq/parley/internal/consensus"
)

var _ = Describe("ParseNonNegotiables", func() {
	It("extracts numbered items with dot separators", func() {
		items := consensus.ParseNonNegotiables("Here they are:\n1. Must use Postgres\n2. No vendor lock-in")
		Expect(items).To(Equal([]string{"Must use Postgres", "No vendor lock-in"}))
	})

	It("accepts parenthesis-style numbering and leading whitespace", func() {
		items := consensus.ParseNonNegotiables("  1) First requirement\n  2) Second requirement")
		Expect(items).To(Equal([]string{"First requirement", "Second requirement"}))
	})

	It("caps the list at five items", func() {
		response := "1. a\n2. b\n3. c\n4. d\n5. e\n6. f\n7. g"
		items := consensus.ParseNonNegotiables(response)
		Expect(items).To(HaveLen(5))
		Expect(items[4]).To(Equal("e"))
	})

	It("falls back to the whole trimmed response when nothing is numbered", func() {
		items := consensus.ParseNonNegotiables("  I only care about reliability.  ")
		Expect(items).To(Equal([]string{"I only care about reliability."}))
	})

	It("returns nothing for a blank response", func() {
		Expect(consensus.ParseNonNegotiables("   \n  ")).To(BeEmpty())
	})

	It("ignores prose between numbered items", func() {
		response := "Let me think.\n1. Keep costs low\nThat matters because...\n2. Ship by Friday"
		items := consensus.ParseNonNegotiables(response)
		Expect(items).To(Equal([]string{"Keep costs low", "Ship by Friday"}))
	})
})

var _ = Describe("ParseVote", func() {
	It("approves on an explicit marker", func() {
		v := consensus.ParseVote("VOTE: APPROVE\nLooks good to me.")
		Expect(v.Approve).To(BeTrue())
		Expect(v.Reason).To(BeEmpty())
	})

	It("rejects on an explicit marker and extracts the reason line", func() {
		v := consensus.ParseVote("VOTE: REJECT\nREASON: The plan ignores my budget constraint.")
		Expect(v.Approve).To(BeFalse())
		Expect(v.Reason).To(Equal("The plan ignores my budget constraint."))
	})

	It("lets the marker win over a contradictory body", func() {
		v := consensus.ParseVote("VOTE: REJECT\nI would normally APPROVE this, but not as written.")
		Expect(v.Approve).To(BeFalse())
	})

	It("matches markers case-insensitively", func() {
		v := consensus.ParseVote("vote: approve")
		Expect(v.Approve).To(BeTrue())
	})

	It("treats a markerless response containing APPROVE as approval", func() {
		v := consensus.ParseVote("I approve of this plan wholeheartedly.")
		Expect(v.Approve).To(BeTrue())
	})

	It("falls back to the whole response as the rejection reason", func() {
		v := consensus.ParseVote("This plan does not address data residency at all.")
		Expect(v.Approve).To(BeFalse())
		Expect(v.Reason).To(Equal("This plan does not address data residency at all."))
	})
})
