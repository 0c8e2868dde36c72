package pred_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvsim/insts"
	"github.com/sarchlab/rvsim/timing/pred"
	"github.com/sarchlab/rvsim/timing/sim"
)

const pc0 = 0x80000000

// slowJump is a slow component that turns every lookup into a direct jump.
type slowJump struct {
	delay  int
	target uint64
}

func (s *slowJump) Name() string { return "slow" }
func (s *slowJump) Delay() int { return s.delay }
func (s *slowJump) MetaSize() int { return 0 }
func (s *slowJump) Predict(_ uint64, st *pred.BranchStream, _ []byte) {
	st.Type = insts.TypeDirect
	st.Target = s.target
}

// recorder logs the order in which the predictor drives its components.
type recorder struct {
	name  string
	delay int
	log   *[]string
}

func (r *recorder) Name() string { return r.name }
func (r *recorder) Delay() int { return r.delay }
func (r *recorder) MetaSize() int { return 0 }
func (r *recorder) Predict(uint64, *pred.BranchStream, []byte) {}
func (r *recorder) Update(pred.Outcome, []byte) { *r.log = append(*r.log, "update "+r.name) }
func (r *recorder) Redirect(pred.Outcome, []byte) { *r.log = append(*r.log, "redirect "+r.name) }
func (r *recorder) Advance(uint64, *pred.BranchStream, []byte) { *r.log = append(*r.log, "advance "+r.name) }

func cond(pc, target uint64, taken bool) pred.Outcome {
	return pred.Outcome{Taken: taken, PC: pc, Size: 4, Target: target, Type: insts.TypeCond}
}

var _ = Describe("Predictor", func() {
	var (
		ctx *sim.Context
		p   *pred.Predictor
		ghr *pred.GHR
	)

	BeforeEach(func() {
		ctx = sim.NewContext(GinkgoLogr)
		config := pred.DefaultConfig()
		config.RetireSize = 4

		var err error
		p, err = pred.New(ctx, config)
		Expect(err).NotTo(HaveOccurred())
		ghr = p.History().Get(pred.HistoryGHR).(*pred.GHR)
	})

	predict := func(pc uint64) pred.Prediction {
		GinkgoHelper()
		pr, ok := p.Predict(pc, nil, false)
		Expect(ok).To(BeTrue())
		return pr
	}

	// settle calls Predict until the bubbles of slower components drain.
	settle := func(pc uint64, info *insts.DecodeInfo) pred.Prediction {
		GinkgoHelper()
		for range 4 {
			if pr, ok := p.Predict(pc, info, false); ok {
				return pr
			}
		}
		Fail("no prediction issued")
		return pred.Prediction{}
	}

	It("should fall through on a cold BTB", func() {
		pr := predict(pc0)
		Expect(pr.NextPC).To(Equal(uint64(pc0 + 4)))
		Expect(pr.Taken).To(BeFalse())
		Expect(pr.MetaIdx).To(Equal(0))
		Expect(p.InFlight()).To(Equal(1))
	})

	It("should learn a taken branch and rewind history on redirect", func() {
		first := predict(pc0)
		o := cond(pc0, pc0+0x40, true)
		p.Update(o, first.MetaIdx)
		p.Redirect(o, first.MetaIdx)
		p.Commit(first.MetaIdx)

		Expect(ghr.Value(1)).To(Equal(uint64(1)))
		Expect(p.Stats().Cond).To(Equal(uint64(1)))
		Expect(p.Stats().CondMiss).To(Equal(uint64(1)))

		second := predict(pc0)
		Expect(second.Type).To(Equal(insts.TypeCond))
		Expect(second.Taken).To(BeTrue())
		Expect(second.NextPC).To(Equal(uint64(pc0 + 0x40)))
		Expect(second.MetaIdx).To(Equal(1))
		Expect(ghr.Value(2)).To(Equal(uint64(0b11)))

		notTaken := cond(pc0, pc0+0x40, false)
		p.Update(notTaken, second.MetaIdx)
		p.Redirect(notTaken, second.MetaIdx)

		Expect(ghr.Value(2)).To(Equal(uint64(0b10)))
		Expect(p.Stats().CondMiss).To(Equal(uint64(2)))
		Expect(ctx.Failed()).To(BeFalse())
	})

	It("should predict correctly after a redirect", func() {
		first := predict(pc0)
		o := cond(pc0, pc0+0x40, true)
		p.Update(o, first.MetaIdx)
		p.Redirect(o, first.MetaIdx)

		next := predict(pc0 + 0x40)
		Expect(next.MetaIdx).To(Equal(1))
		Expect(next.NextPC).To(Equal(uint64(pc0 + 0x44)))
	})

	It("should never predict into an unresolved slot", func() {
		for i := range 4 {
			Expect(predict(pc0 + uint64(4*i)).MetaIdx).To(Equal(i))
		}

		_, ok := p.Predict(pc0+16, nil, false)
		Expect(ok).To(BeFalse())
		Expect(p.Stats().RingFull).To(Equal(uint64(1)))

		p.Commit(0)
		Expect(predict(pc0 + 16).MetaIdx).To(Equal(0))
		Expect(ctx.Failed()).To(BeFalse())
	})

	It("should drop younger slots on redirect", func() {
		predict(pc0)
		predict(pc0 + 4)
		predict(pc0 + 8)

		p.Redirect(pred.Outcome{PC: pc0, Size: 4, Type: insts.TypeInt}, 0)
		Expect(p.InFlight()).To(Equal(1))
		Expect(predict(pc0 + 4).MetaIdx).To(Equal(1))
	})

	It("should treat a full ring redirected at its youngest slot as full", func() {
		for i := range 4 {
			predict(pc0 + uint64(4*i))
		}
		p.Redirect(pred.Outcome{PC: pc0 + 12, Size: 4, Type: insts.TypeInt}, 3)
		Expect(p.InFlight()).To(Equal(4))
	})

	It("should hold a prediction across stalls", func() {
		_, ok := p.Predict(pc0, nil, true)
		Expect(ok).To(BeFalse())
		Expect(p.InFlight()).To(BeZero())

		pr := predict(pc0)
		Expect(pr.MetaIdx).To(Equal(0))
		Expect(p.Stats().Predictions).To(Equal(uint64(1)))
	})

	DescribeTable("protocol violations",
		func(act func()) {
			act()
			Expect(errors.Is(ctx.Err(), sim.ErrProtocol)).To(BeTrue())
		},
		Entry("commit with nothing in flight", func() { p.Commit(0) }),
		Entry("commit out of order", func() {
			predict(pc0)
			predict(pc0 + 4)
			p.Commit(1)
		}),
		Entry("update of a free slot", func() { p.Update(cond(pc0, pc0, true), 2) }),
		Entry("redirect of a free slot", func() { p.Redirect(cond(pc0, pc0, true), 0) }),
	)

	Context("with a slow component", func() {
		BeforeEach(func() {
			ghr = pred.NewGHR(8)
			p = pred.NewWithComponents(ctx, 4, pred.NewHistoryManager(ghr),
				&slowJump{delay: 2, target: 0x1000})
		})

		It("should insert bubbles when a slow layer changes the target", func() {
			_, ok := p.Predict(pc0, nil, false)
			Expect(ok).To(BeFalse())
			_, ok = p.Predict(pc0, nil, false)
			Expect(ok).To(BeFalse())

			pr := predict(pc0)
			Expect(pr.NextPC).To(Equal(uint64(0x1000)))
			Expect(pr.Taken).To(BeTrue())
			Expect(p.Stats().Bubbles).To(Equal(uint64(2)))
		})

		It("should recompute after a reset", func() {
			pr, ok := p.Predict(pc0, nil, true)
			Expect(ok).To(BeFalse())
			Expect(pr.MetaIdx).To(Equal(pred.NoMeta))

			p.Reset()
			_, ok = p.Predict(pc0+4, nil, false)
			Expect(ok).To(BeFalse())
		})
	})

	Context("return address stack", func() {
		// learn resolves one instruction as mispredicted so every
		// component sees its real outcome.
		learn := func(o pred.Outcome) {
			pr := predict(o.PC)
			p.Update(o, pr.MetaIdx)
			p.Redirect(o, pr.MetaIdx)
			p.Commit(pr.MetaIdx)
		}

		call := func(pc, target uint64) pred.Outcome {
			return pred.Outcome{Taken: true, PC: pc, Size: 4, Target: target, Type: insts.TypePush}
		}
		ret := func(pc, target uint64) pred.Outcome {
			return pred.Outcome{Taken: true, PC: pc, Size: 4, Target: target, Type: insts.TypePop}
		}

		BeforeEach(func() {
			learn(call(0x100, 0x200))
			learn(ret(0x200, 0x104))
		})

		It("should predict the return of a repeated call without a bubble", func() {
			Expect(predict(0x100).NextPC).To(Equal(uint64(0x200)))
			Expect(predict(0x200).NextPC).To(Equal(uint64(0x104)))
			Expect(p.Stats().Bubbles).To(BeZero())
		})

		It("should override a stale BTB target after a bubble", func() {
			learn(call(0x300, 0x200))

			_, ok := p.Predict(0x200, nil, false)
			Expect(ok).To(BeFalse())
			Expect(predict(0x200).NextPC).To(Equal(uint64(0x304)))
		})

		It("should restore the stack pointer on redirect", func() {
			first := predict(0x100)
			predict(0x200)
			p.Redirect(call(0x100, 0x200), first.MetaIdx)

			Expect(predict(0x200).NextPC).To(Equal(uint64(0x104)))
		})
	})

	Context("with a steady not-taken branch", func() {
		var gshare *pred.GShare

		BeforeEach(func() {
			gshare = p.Component("gshare").(*pred.GShare)
		})

		counters := func() []int8 {
			table := make([]int8, pred.DefaultConfig().GShare.Entries)
			for i := range table {
				table[i] = gshare.Counter(uint32(i))
			}
			return table
		}

		It("should leave the counters unchanged once trained", func() {
			var warm []int8
			for i := range 40 {
				pr := settle(pc0, nil)
				p.Update(cond(pc0, pc0+0x40, false), pr.MetaIdx)
				p.Commit(pr.MetaIdx)

				if i == 20 {
					warm = counters()
				}
			}

			Expect(counters()).To(Equal(warm))
			Expect(settle(pc0, nil).Taken).To(BeFalse())
			Expect(ctx.Failed()).To(BeFalse())
		})
	})

	Context("with a decoded instruction", func() {
		It("should take the class and target from the decoder on a cold BTB", func() {
			info := &insts.DecodeInfo{
				Type:         insts.TypeDirect,
				InstSize:     4,
				BranchTaken:  true,
				BranchTarget: pc0 + 0x100,
			}

			pr, ok := p.Predict(pc0, info, false)
			Expect(ok).To(BeTrue())
			Expect(pr.Type).To(Equal(insts.TypeDirect))
			Expect(pr.Taken).To(BeTrue())
			Expect(pr.NextPC).To(Equal(uint64(pc0 + 0x100)))
		})

		It("should still let the direction predictor decide a conditional branch", func() {
			info := &insts.DecodeInfo{
				Type:         insts.TypeCond,
				InstSize:     4,
				BranchTaken:  false,
				BranchTarget: pc0 + 0x100,
			}

			// A cold counter reads as taken, one bubble after the BTB.
			_, ok := p.Predict(pc0, info, false)
			Expect(ok).To(BeFalse())
			pr := settle(pc0, info)
			Expect(pr.Taken).To(BeTrue())
			Expect(pr.NextPC).To(Equal(uint64(pc0 + 0x100)))
			Expect(ghr.Value(1)).To(Equal(uint64(1)))
		})
	})

	It("should drive components in list order", func() {
		var log []string
		p = pred.NewWithComponents(ctx, 4, pred.NewHistoryManager(pred.NewGHR(8)),
			&recorder{name: "a", delay: 1, log: &log},
			&recorder{name: "b", delay: 0, log: &log},
			&recorder{name: "c", delay: 1, log: &log},
			&recorder{name: "d", delay: 0, log: &log},
		)

		pr := predict(pc0)
		o := pred.Outcome{PC: pc0, Size: 4, Type: insts.TypeInt}
		p.Update(o, pr.MetaIdx)
		p.Redirect(o, pr.MetaIdx)

		Expect(log).To(Equal([]string{
			"advance a", "advance b", "advance c", "advance d",
			"update a", "update b", "update c", "update d",
			"redirect a", "redirect b", "redirect c", "redirect d",
		}))
		Expect(p.Component("c")).NotTo(BeNil())
		Expect(p.Component("missing")).To(BeNil())
	})

	It("should reject an invalid configuration", func() {
		config := pred.DefaultConfig()
		config.BTB.Entries = 100
		_, err := pred.New(ctx, config)
		Expect(err).To(MatchError(ContainSubstring("btb entries")))
	})
})
