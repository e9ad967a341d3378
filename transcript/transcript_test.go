// Copyright 2025 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transcript

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type myError struct{ msg string }

func (e *myError) Error() string { return e.msg }

var _ = Describe("failure transcripts", func() {

	DescribeTable("round-tripping error messages",
		func(message string) {
			f := Restore(Capture(errors.New(message)))
			Expect(f.Kind).To(Equal("*errors.errorString"))
			Expect(f.Message).To(Equal(message))
			Expect(f.Error()).To(Equal(message))
			Expect(f.Frames).NotTo(BeEmpty())
			Expect(f.Unwrap()).To(MatchError(message))
		},
		Entry("empty message", ""),
		Entry("single line", "boom"),
		Entry("multiple lines", "boom\nbang\n\n  and crash"),
		Entry("unicode", "💥 kaputt"),
	)

	It("falls back to a generic failure for unknown kinds", func() {
		f := Restore(Capture(&myError{msg: "D'oh!"}))
		Expect(f.Kind).To(Equal("*transcript.myError"))
		Expect(f.Message).To(Equal("D'oh!"))
		Expect(f.Unwrap()).To(BeNil())
		Expect(f.String()).To(HavePrefix("*transcript.myError (D'oh!)\n\t"))

		_, err := os.Open("/not-existing")
		f = Restore(Capture(err))
		Expect(f.Kind).To(Equal(fmt.Sprintf("%T", &fs.PathError{})))
		Expect(f.Message).To(Equal(err.Error()))
	})

	It("reconstructs registered kinds", func() {
		RegisterKind("*transcript.myError", func(message string) error {
			return &myError{msg: message}
		})
		DeferCleanup(func() {
			kindsmu.Lock()
			defer kindsmu.Unlock()
			delete(kinds, "*transcript.myError")
		})
		f := Restore(Capture(&myError{msg: "D'oh!"}))
		var myerr *myError
		Expect(errors.As(f, &myerr)).To(BeTrue())
		Expect(myerr.msg).To(Equal("D'oh!"))
	})

	It("takes frames from stack traces", func() {
		err := pkgerrors.Wrap(pkgerrors.New("boom"), "preloading failed")
		f := Restore(Capture(err))
		Expect(f.Message).To(Equal("preloading failed: boom"))
		Expect(f.Frames).NotTo(BeEmpty())
		Expect(f.Frames[0]).To(MatchRegexp(`^.+ \(transcript_test\.go:\d+\)$`))
	})

	It("captures panics", func() {
		var b []byte
		func() {
			defer func() {
				b = CapturePanic(recover(), debug.Stack())
			}()
			panic("the sky is falling")
		}()
		f := Restore(b)
		Expect(f.Kind).To(Equal(PanicKind))
		Expect(f.Message).To(Equal("the sky is falling"))
		Expect(f.Frames).To(ContainElement(ContainSubstring("transcript_test.go:")))

		b = CapturePanic(errors.New("bang"), nil)
		f = Restore(b)
		Expect(f.Message).To(Equal("bang"))
		Expect(f.Frames).To(BeEmpty())
	})

	It("truncates huge messages and frames", func() {
		huge := strings.Repeat("x", 70000) + "💥"
		b := CapturePanic(errors.New(huge), []byte("main.foo()\n\t/src/"+huge+".go:42\n"))
		Expect(len(b)).To(BeNumerically("<", 32*1024))
		f := Restore(b)
		Expect(f.Message).To(HaveLen(maxMessageLen))
		Expect(f.Message).To(HavePrefix("xxx"))
		Expect(f.Message).To(HaveSuffix(truncatedMarker))
		Expect(f.Frames).To(ConsistOf(
			And(HaveLen(maxFrameLen), HavePrefix("main.foo() (/src/xxx"), HaveSuffix(truncatedMarker))))

		Expect(Restore(Capture(errors.New(huge))).Message).To(HaveLen(maxMessageLen))
	})

	It("doesn't split runes when truncating", func() {
		s := truncate(strings.Repeat("💥", 100), 20)
		Expect(utf8.ValidString(s)).To(BeTrue())
		Expect(len(s)).To(BeNumerically("<=", 20))
		Expect(s).To(HaveSuffix(truncatedMarker))
		Expect(truncate("short", 20)).To(Equal("short"))
	})

	It("splits stack dumps with blank lines", func() {
		Expect(stackFrames([]byte("\n\n"))).To(BeNil())
		Expect(stackFrames([]byte("goroutine 1 [running]:\n\nmain.main()\n\t/src/main.go:23\n\n"))).To(
			ConsistOf("main.main() (/src/main.go:23)"))
	})

	It("turns a nil error into a failure", func() {
		Expect(Restore(Capture(nil)).Message).To(Equal("nil error"))
	})

	DescribeTable("tolerating malformed transcripts",
		func(b []byte) {
			var f *Failure
			Expect(func() { f = Restore(b) }).NotTo(Panic())
			Expect(f.Kind).To(Equal(UnmarshalFailedKind))
			Expect(f.Message).To(HavePrefix("unmarshal failed: "))
		},
		Entry("nil", nil),
		Entry("garbage", []byte("garbage")),
		Entry("truncated", func() []byte {
			b := Capture(errors.New("boom"))
			return b[:len(b)/2]
		}()),
	)

	It("splits stack dumps into frames", func() {
		Expect(stackFrames([]byte(`goroutine 1 [running]:
main.foo()
	/src/main.go:42 +0x1d
main.main()
	/src/main.go:23 +0x17
`))).To(ConsistOf(
			"main.foo() (/src/main.go:42 +0x1d)",
			"main.main() (/src/main.go:23 +0x17)",
		))
	})

})
