package device

import (
	"os"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/igchor/Cachelib/log"
	"github.com/igchor/Cachelib/testutil"
)

const testBlockSize = 512

type xorEncryptor struct{ key byte }

func (e xorEncryptor) Encrypt(buf []byte, _ uint64) error {
	for i := range buf {
		buf[i] ^= e.key
	}
	return nil
}

func (e xorEncryptor) Decrypt(buf []byte, offset uint64) error {
	return e.Encrypt(buf, offset)
}

var _ = Describe("Device", func() {
	Describe("memory device", func() {
		var d Device
		BeforeEach(func() {
			d = NewMemoryDevice(log.NewNop(), 16*testBlockSize, testBlockSize)
		})

		It("round trips aligned io", func() {
			data := testutil.RandBytes(2 * testBlockSize)
			Expect(d.Write(4*testBlockSize, data)).To(Succeed())
			got := make([]byte, len(data))
			Expect(d.Read(4*testBlockSize, got)).To(Succeed())
			testutil.ExpectBytesEqual(got, data)
		})

		It("rejects misaligned io", func() {
			buf := make([]byte, testBlockSize)
			Expect(d.Read(1, buf)).To(MatchError(ErrInvalidAlignment))
			Expect(d.Write(0, buf[:100])).To(MatchError(ErrInvalidAlignment))
		})

		It("rejects io past the end", func() {
			buf := make([]byte, testBlockSize)
			Expect(d.Read(16*testBlockSize, buf)).To(MatchError(ErrOutOfRange))
		})
	})

	Describe("file device", func() {
		var (
			path string
			d    Device
		)
		BeforeEach(func() {
			path = testutil.TmpFileName()
			var err error
			d, err = NewFileDevice(log.NewNop(), path, 64*testBlockSize, testBlockSize, 0, nil)
			Expect(err).NotTo(HaveOccurred())
		})
		AfterEach(func() {
			Expect(d.Close()).To(Succeed())
			os.Remove(path)
		})

		It("persists writes", func() {
			data := testutil.RandBytes(3 * testBlockSize)
			Expect(d.Write(testBlockSize, data)).To(Succeed())
			Expect(d.Flush()).To(Succeed())
			got := make([]byte, len(data))
			Expect(d.Read(testBlockSize, got)).To(Succeed())
			testutil.ExpectBytesEqual(got, data)
		})

		It("splits writes larger than max write size", func() {
			var err error
			dd, err := NewFileDevice(log.NewNop(), testutil.TmpFileName(),
				64*testBlockSize, testBlockSize, 2*testBlockSize, nil)
			Expect(err).NotTo(HaveOccurred())
			defer dd.Close()
			data := testutil.RandBytes(8 * testBlockSize)
			Expect(dd.Write(0, data)).To(Succeed())
			got := make([]byte, len(data))
			Expect(dd.Read(0, got)).To(Succeed())
			testutil.ExpectBytesEqual(got, data)
		})
	})

	Describe("encryption hook", func() {
		It("stores ciphertext, returns plaintext", func() {
			path := testutil.TmpFileName()
			defer os.Remove(path)
			enc := xorEncryptor{key: 0x5a}
			d, err := NewFileDevice(log.NewNop(), path, 8*testBlockSize, testBlockSize, 0, enc)
			Expect(err).NotTo(HaveOccurred())
			defer d.Close()

			data := testutil.RandBytes(testBlockSize)
			Expect(d.Write(0, data)).To(Succeed())

			raw, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(raw[:testBlockSize]).NotTo(Equal(data), "on-disk bytes must be encrypted")

			got := make([]byte, testBlockSize)
			Expect(d.Read(0, got)).To(Succeed())
			testutil.ExpectBytesEqual(got, data)
		})
	})

	Describe("raid0 device", func() {
		const (
			numFiles   = 3
			stripeSize = 2 * testBlockSize
			fdSize     = 8 * stripeSize
		)
		var (
			paths []string
			d     Device
		)
		BeforeEach(func() {
			paths = nil
			for i := 0; i < numFiles; i++ {
				paths = append(paths, testutil.TmpFileName())
			}
			var err error
			d, err = NewRAID0Device(log.NewNop(), paths, fdSize, testBlockSize, stripeSize, 0, nil)
			Expect(err).NotTo(HaveOccurred())
		})
		AfterEach(func() {
			Expect(d.Close()).To(Succeed())
			for _, p := range paths {
				os.Remove(p)
			}
		})

		It("presents the combined size", func() {
			Expect(d.Size()).To(Equal(uint64(numFiles * fdSize)))
		})

		It("round trips io crossing stripes", func() {
			data := testutil.RandBytes(5 * stripeSize)
			Expect(d.Write(3*testBlockSize, data)).To(Succeed())
			got := make([]byte, len(data))
			Expect(d.Read(3*testBlockSize, got)).To(Succeed())
			testutil.ExpectBytesEqual(got, data)
		})

		It("maps logical stripes round robin", func() {
			// Fill stripe k with byte value k; file f must then hold
			// stripes f, f+N, f+2N, ... back to back.
			totalStripes := numFiles * fdSize / stripeSize
			for k := 0; k < totalStripes; k++ {
				stripe := make([]byte, stripeSize)
				for i := range stripe {
					stripe[i] = byte(k)
				}
				Expect(d.Write(uint64(k)*stripeSize, stripe)).To(Succeed())
			}
			Expect(d.Flush()).To(Succeed())
			for f, path := range paths {
				raw, err := os.ReadFile(path)
				Expect(err).NotTo(HaveOccurred())
				for s := 0; s < int(fdSize)/stripeSize; s++ {
					expected := byte(f + s*numFiles)
					chunk := raw[s*stripeSize : (s+1)*stripeSize]
					for _, b := range chunk {
						Expect(b).To(Equal(expected), "file %d stripe slot %d", f, s)
					}
				}
			}
		})

		It("rejects bad geometry", func() {
			_, err := NewRAID0Device(log.NewNop(), paths, fdSize, testBlockSize, testBlockSize+1, 0, nil)
			Expect(err).To(HaveOccurred())
			_, err = NewRAID0Device(log.NewNop(), paths[:1], fdSize, testBlockSize, stripeSize, 0, nil)
			Expect(err).To(HaveOccurred())
		})
	})
})
