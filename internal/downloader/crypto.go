package downloader

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// newCTRDecrypter builds an AES-CTR stream positioned at byte offset into
// the plaintext. CTR keystreams are seekable: the counter advances one per
// block, so resuming mid-file means advancing the IV by offset/16 blocks and
// discarding offset%16 bytes of keystream.
func newCTRDecrypter(key, iv []byte, offset int64) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad decryption key: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("bad IV length %d", len(iv))
	}

	counter := make([]byte, aes.BlockSize)
	copy(counter, iv)
	addCounter(counter, uint64(offset)/aes.BlockSize)

	stream := cipher.NewCTR(block, counter)

	if skip := offset % aes.BlockSize; skip > 0 {
		var scratch [aes.BlockSize]byte
		stream.XORKeyStream(scratch[:skip], scratch[:skip])
	}

	return stream, nil
}

// addCounter adds n to the big-endian counter in place, carrying across the
// full 16 bytes.
func addCounter(counter []byte, n uint64) {
	for i := len(counter) - 1; i >= 0 && n > 0; i-- {
		sum := uint64(counter[i]) + (n & 0xff)
		counter[i] = byte(sum)
		n = n>>8 + sum>>8
	}
}
