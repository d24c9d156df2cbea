package asyncproc_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"github.com/runlab/asyncproc"
)

var _ = Describe("Manager", func() {
	var manager *asyncproc.Manager

	BeforeEach(func() {
		manager = asyncproc.NewManager()
	})

	AfterEach(func() {
		Expect(manager.ReapAll()).To(Succeed())
	})

	Describe("Start", func() {
		It("issues handles starting at 1", func() {
			id, err := manager.Start(echoSpec("first"))
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(1))
		})

		It("issues strictly increasing handles, never reusing one", func() {
			a, err := manager.Start(echoSpec("a"))
			Expect(err).NotTo(HaveOccurred())
			b, err := manager.Start(echoSpec("b"))
			Expect(err).NotTo(HaveOccurred())
			Expect(b).To(BeNumerically(">", a))

			Expect(manager.Reap(b)).To(Succeed())

			c, err := manager.Start(echoSpec("c"))
			Expect(err).NotTo(HaveOccurred())
			Expect(c).To(BeNumerically(">", b))
		})

		It("does not issue a handle for a process that fails to spawn", func() {
			_, err := manager.Start(asyncproc.Spec{})
			Expect(err).To(MatchError(asyncproc.ErrBadSpec))

			id, err := manager.Start(echoSpec("after"))
			Expect(err).NotTo(HaveOccurred())
			Expect(id).To(Equal(1))
		})
	})

	Describe("forwarding operations", func() {
		It("round-trips bytes through a cat child", func() {
			id, err := manager.Start(catSpec())
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.Write(id, []byte("ping\n"))).To(Succeed())
			Expect(manager.CloseInput(id)).To(Succeed())

			st, err := manager.Wait(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Success()).To(BeTrue())

			out, err := manager.Read(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(out)).To(Equal("ping\n"))
		})

		It("reads both streams atomically", func() {
			id, err := manager.Start(chattySpec("10"))
			Expect(err).NotTo(HaveOccurred())

			_, err = manager.Wait(id)
			Expect(err).NotTo(HaveOccurred())

			stdout, stderr, err := manager.ReadBoth(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(stdout)).To(ContainSubstring("out 10\n"))
			Expect(string(stderr)).To(ContainSubstring("err 10\n"))
		})

		It("exposes the OS pid behind a handle", func() {
			id, err := manager.Start(sleepSpec("60"))
			Expect(err).NotTo(HaveOccurred())

			pid, err := manager.Pid(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(pid).To(BeNumerically(">", 0))
		})

		It("polls without blocking", func() {
			id, err := manager.Start(sleepSpec("60"))
			Expect(err).NotTo(HaveOccurred())

			_, exited, err := manager.Poll(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(exited).To(BeFalse())
		})

		It("terminates through a handle", func() {
			id, err := manager.Start(sleepSpec("60"))
			Expect(err).NotTo(HaveOccurred())

			st, err := manager.Terminate(id, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Signaled).To(BeTrue())
		})

		It("kills through a handle", func() {
			id, err := manager.Start(sleepSpec("60"))
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.Kill(id, unix.SIGKILL)).To(Succeed())
			st, err := manager.Wait(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(st.Signal).To(Equal(unix.SIGKILL))
		})
	})

	Describe("unknown handles", func() {
		It("fails every operation with ErrUnknownProcess", func() {
			Expect(manager.Kill(42, unix.SIGTERM)).To(MatchError(asyncproc.ErrUnknownProcess))
			Expect(manager.Write(42, nil)).To(MatchError(asyncproc.ErrUnknownProcess))
			Expect(manager.CloseInput(42)).To(MatchError(asyncproc.ErrUnknownProcess))
			Expect(manager.Reap(42)).To(MatchError(asyncproc.ErrUnknownProcess))

			_, err := manager.Read(42)
			Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
			_, err = manager.ReadErr(42)
			Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
			_, _, err = manager.ReadBoth(42)
			Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
			_, err = manager.Wait(42)
			Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
			_, _, err = manager.Poll(42)
			Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
			_, err = manager.Pid(42)
			Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
			_, err = manager.Terminate(42, 1)
			Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
		})

		It("names the offending id", func() {
			err := manager.Kill(42, unix.SIGTERM)
			Expect(err.Error()).To(ContainSubstring("42"))
		})
	})

	Describe("Reap", func() {
		It("kills a still-running process and retires the handle", func() {
			id, err := manager.Start(sleepSpec("60"))
			Expect(err).NotTo(HaveOccurred())
			pid, err := manager.Pid(id)
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.Reap(id)).To(Succeed())

			Expect(manager.Reap(id)).To(MatchError(asyncproc.ErrUnknownProcess))
			_, err = manager.Wait(id)
			Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
			Expect(unix.Kill(pid, 0)).To(HaveOccurred())
		})

		It("collects an already-exited process without complaint", func() {
			id, err := manager.Start(echoSpec("brief"))
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() bool {
				_, exited, pollErr := manager.Poll(id)
				Expect(pollErr).NotTo(HaveOccurred())
				return exited
			}, 5*time.Second).Should(BeTrue())

			Expect(manager.Reap(id)).To(Succeed())
		})
	})

	Describe("ReapAll", func() {
		It("empties the registry, running and exited alike", func() {
			ids := []int{}
			for i := 0; i < 3; i++ {
				id, err := manager.Start(sleepSpec("60"))
				Expect(err).NotTo(HaveOccurred())
				ids = append(ids, id)
			}
			done, err := manager.Start(echoSpec("quick"))
			Expect(err).NotTo(HaveOccurred())
			_, err = manager.Wait(done)
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.ReapAll()).To(Succeed())

			for _, id := range append(ids, done) {
				Expect(manager.Reap(id)).To(MatchError(asyncproc.ErrUnknownProcess))
			}
		})

		It("is fine on an empty registry", func() {
			Expect(manager.ReapAll()).To(Succeed())
		})
	})

	It("tolerates concurrent use across goroutines", func() {
		const workers = 4
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer GinkgoRecover()
				id, err := manager.Start(catSpec())
				if err != nil {
					errs <- err
					return
				}
				if err := manager.Write(id, []byte("x\n")); err != nil {
					errs <- err
					return
				}
				if err := manager.CloseInput(id); err != nil {
					errs <- err
					return
				}
				_, err = manager.Wait(id)
				errs <- err
			}()
		}
		for i := 0; i < workers; i++ {
			Expect(<-errs).NotTo(HaveOccurred())
		}
		Expect(manager.ReapAll()).To(Succeed())
	})
})

var _ = Describe("Manager errors", func() {
	It("wraps unknown-handle failures for errors.Is", func() {
		manager := asyncproc.NewManager()
		err := manager.Kill(7, os.Interrupt)
		Expect(err).To(MatchError(asyncproc.ErrUnknownProcess))
	})
})
