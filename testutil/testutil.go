package testutil

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"

	fuzz "github.com/google/gofuzz"
	"github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var RandSource = rand.NewSource(ginkgo.GinkgoRandomSeed())
var Rand = rand.New(RandSource)
var Fuzzer = func() *fuzz.Fuzzer {
	f := fuzz.New()
	f.RandSource(RandSource)
	return f
}()
var Fuzz = Fuzzer.Fuzz

func Byf(format string, args ...interface{}) {
	ginkgo.By(fmt.Sprintf(format, args...))
	fmt.Fprintln(ginkgo.GinkgoWriter)
}

// ExpectBytesEqual have much less overhead for large byte chunks than gomega.Equal.
func ExpectBytesEqual(a, b []byte) {
	if !bytes.Equal(a, b) {
		ExpectWithOffset(1, len(a)).To(Equal(len(b)), "lengths differ")
		ExpectWithOffset(1, a).To(Equal(b))
	}
}

func TmpFileName() string {
	f, err := ioutil.TempFile("", "go_test_tmp_")
	Expect(err).To(BeNil())
	filename := f.Name()
	err = f.Close()
	Expect(err).To(BeNil())
	err = os.Remove(filename)
	Expect(err).To(BeNil())
	return filename
}

// RandBytes returns n random bytes.
func RandBytes(n int) []byte {
	b := make([]byte, n)
	Rand.Read(b)
	return b
}
